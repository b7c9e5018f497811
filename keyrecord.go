package ringvault

import "fmt"

// KeyMeta identifies a specific version of an SK or IK: the metastore
// partition id it lives under, plus its creation timestamp. KeyId/Created
// are the wire-format field names from the interoperability contract and
// must not change.
type KeyMeta struct {
	ID      string `json:"KeyId"`
	Created int64  `json:"Created"`
}

// IsLatest reports whether m refers to the "give me whatever is newest"
// sentinel rather than a specific version.
func (m KeyMeta) IsLatest() bool {
	return m.Created == 0
}

func (m KeyMeta) String() string {
	return fmt.Sprintf("KeyMeta[id=%s created=%d]", m.ID, m.Created)
}

// DataRowRecord is the unit an application persists alongside its own data:
// an encrypted DRK plus the ciphertext it protects. Decrypting one requires
// access to the Metastore and KMS referenced by Key.ParentKeyMeta.
type DataRowRecord struct {
	Key  *EnvelopeKeyRecord `json:"Key"`
	Data []byte             `json:"Data"`
}

// EnvelopeKeyRecord is the on-disk shape of a wrapped SK or IK (or, embedded
// in a DataRowRecord, a wrapped DRK). Field names and omitempty behavior on
// Revoked/ParentKeyMeta are part of the interoperability contract and must
// match byte-for-byte across implementations.
type EnvelopeKeyRecord struct {
	Revoked       bool     `json:"Revoked,omitempty"`
	ID            string   `json:"-"`
	Created       int64    `json:"Created"`
	EncryptedKey  []byte   `json:"Key"`
	ParentKeyMeta *KeyMeta `json:"ParentKeyMeta,omitempty"`
}

func (e *EnvelopeKeyRecord) String() string {
	if e == nil {
		return "<nil>"
	}

	return fmt.Sprintf("EnvelopeKeyRecord[id=%s created=%d revoked=%t parent=%v]",
		e.ID, e.Created, e.Revoked, e.ParentKeyMeta)
}
