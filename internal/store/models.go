package store

import "time"

// Node is the persisted record of one Z-Wave node.
type Node struct {
	ID           byte                  `json:"id"`
	Basic        byte                  `json:"basic,omitempty"`
	Generic      byte                  `json:"generic,omitempty"`
	Specific     byte                  `json:"specific,omitempty"`
	Listening    bool                  `json:"listening"`
	Routing      bool                  `json:"routing"`
	MaxBaudRate  uint32                `json:"max_baud_rate,omitempty"`
	Security     bool                  `json:"security,omitempty"`
	Beaming      bool                  `json:"beaming,omitempty"`
	FriendlyName string                `json:"friendly_name,omitempty"`
	Manufacturer uint16                `json:"manufacturer,omitempty"`
	ProductType  uint16                `json:"product_type,omitempty"`
	ProductID    uint16                `json:"product_id,omitempty"`
	Classes      map[byte]CommandClass `json:"classes,omitempty"`
	Interviewed  bool                  `json:"interviewed"`
	AddedAt      time.Time             `json:"added_at"`
	LastSeen     time.Time             `json:"last_seen"`
}

// CommandClass records what is known about one class on a node.
type CommandClass struct {
	Supported  bool `json:"supported"`
	Controlled bool `json:"controlled,omitempty"`
	Version    byte `json:"version,omitempty"`
}

// NetworkInfo holds the controller identity read at startup.
type NetworkInfo struct {
	HomeID      uint32 `json:"home_id"`
	OwnNodeID   byte   `json:"own_node_id"`
	APIVersion  string `json:"api_version,omitempty"`
	LibraryType byte   `json:"library_type,omitempty"`
	ChipType    byte   `json:"chip_type,omitempty"`
	ChipVersion byte   `json:"chip_version,omitempty"`
}
