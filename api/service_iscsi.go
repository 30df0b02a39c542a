package api

import (
	"fmt"
)

// ISCSIInitiator represents the local iSCSI initiator.
type ISCSIInitiator struct {
	Name string `json:"name" yaml:"name"`
	IBFT bool   `json:"ibft" yaml:"ibft"`
}

// ISCSINodeStartup represents the startup mode of an iSCSI node.
type ISCSINodeStartup string

const (
	// ISCSINodeStartupOnBoot connects the node during early boot.
	ISCSINodeStartupOnBoot ISCSINodeStartup = "onboot"

	// ISCSINodeStartupManual requires an explicit login.
	ISCSINodeStartupManual ISCSINodeStartup = "manual"

	// ISCSINodeStartupAutomatic connects the node once the iSCSI service starts.
	ISCSINodeStartupAutomatic ISCSINodeStartup = "automatic"
)

// ISCSINodeStartups is a map of the supported node startup modes.
var ISCSINodeStartups = map[ISCSINodeStartup]struct{}{
	ISCSINodeStartupOnBoot:    {},
	ISCSINodeStartupManual:    {},
	ISCSINodeStartupAutomatic: {},
}

// ISCSINode represents a discovered iSCSI target node.
type ISCSINode struct {
	ID        uint32           `json:"id"        yaml:"id"`
	Target    string           `json:"target"    yaml:"target"`
	Address   string           `json:"address"   yaml:"address"`
	Port      uint32           `json:"port"      yaml:"port"`
	Interface string           `json:"interface" yaml:"interface"`
	IBFT      bool             `json:"ibft"      yaml:"ibft"`
	Startup   ISCSINodeStartup `json:"startup"   yaml:"startup"`
	Connected bool             `json:"connected" yaml:"connected"`
}

// ISCSIAuth holds the optional credentials used for discovery and login.
//
// The reverse credentials are only used for mutual (bidirectional) CHAP.
type ISCSIAuth struct {
	Username        string `json:"username,omitempty"         yaml:"username,omitempty"`
	Password        string `json:"password,omitempty"         yaml:"password,omitempty"`
	ReverseUsername string `json:"reverse_username,omitempty" yaml:"reverse_username,omitempty"`
	ReversePassword string `json:"reverse_password,omitempty" yaml:"reverse_password,omitempty"`
}

// ISCSILoginResult represents the outcome of a login attempt.
type ISCSILoginResult string

const (
	// ISCSILoginSuccess means the node is now connected.
	ISCSILoginSuccess ISCSILoginResult = "success"

	// ISCSILoginInvalidStartup means the requested startup mode was refused.
	ISCSILoginInvalidStartup ISCSILoginResult = "invalid_startup"

	// ISCSILoginFailed means the target refused the login (bad credentials, unreachable portal, ...).
	ISCSILoginFailed ISCSILoginResult = "failed"
)

// ISCSILoginResultFromCode converts the numeric result returned by the storage service.
func ISCSILoginResultFromCode(code uint32) (ISCSILoginResult, error) {
	switch code {
	case 0:
		return ISCSILoginSuccess, nil
	case 1:
		return ISCSILoginInvalidStartup, nil
	case 2:
		return ISCSILoginFailed, nil
	}

	return "", fmt.Errorf("unknown login result code %d", code)
}

func (r ISCSILoginResult) String() string {
	return string(r)
}

// ISCSILoginError is the body returned when a login doesn't succeed.
type ISCSILoginError struct {
	Code ISCSILoginResult `json:"code" yaml:"code"`
}

// ISCSIInitiatorPatch is the body used to rename the initiator.
type ISCSIInitiatorPatch struct {
	Name string `json:"name" yaml:"name"`
}

// ISCSIDiscoverPost is the body used to discover the targets of a portal.
type ISCSIDiscoverPost struct {
	Address string    `json:"address"           yaml:"address"`
	Port    uint32    `json:"port"              yaml:"port"`
	Options ISCSIAuth `json:"options,omitempty" yaml:"options,omitempty"`
}

// ISCSINodePatch is the body used to change the startup mode of a node.
type ISCSINodePatch struct {
	Startup ISCSINodeStartup `json:"startup" yaml:"startup"`
}

// ISCSINodeLoginPost is the body used to log into a node.
type ISCSINodeLoginPost struct {
	ISCSIAuth `yaml:",inline"`

	Startup ISCSINodeStartup `json:"startup" yaml:"startup"`
}
