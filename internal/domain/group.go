package domain

// Credentials identify the participant inside a group.
type Credentials struct {
	Group    string
	Username string
	Password string
}

// GroupStatus is the public description a server publishes for a group.
type GroupStatus struct {
	Name        string `json:"name"`
	Endpoint    string `json:"endpoint"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	Locked      bool   `json:"locked,omitempty"`
}
