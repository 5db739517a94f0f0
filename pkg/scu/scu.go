// Package scu defines the client side of DICOM networking: pushing
// instances to a remote modality with C-STORE. The wire protocol itself
// lives behind the Sender interface so the jobs layer stays testable.
package scu

import (
	"context"
	"fmt"
)

// RemoteModality identifies a DICOM peer on the network.
type RemoteModality struct {
	AET  string `yaml:"aet" json:"aet"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Addr returns the dial address of the modality.
func (m RemoteModality) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// Sender issues C-STORE requests against a remote modality.
type Sender interface {
	// Store transmits one encoded DICOM file. The local AET identifies
	// this server during association negotiation.
	Store(ctx context.Context, localAET string, remote RemoteModality, dicom []byte) error
}
