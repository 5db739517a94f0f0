package models

// AttachmentType discriminates the blobs bound to one resource. At most
// one attachment of each type may exist per resource.
type AttachmentType int

const (
	// AttachmentDicom is the encoded DICOM file itself.
	AttachmentDicom AttachmentType = 1
	// AttachmentDicomAsJSON is the cached JSON rendering of the headers.
	AttachmentDicomAsJSON AttachmentType = 2
)

// CompressionType tells how the stored blob bytes are encoded.
type CompressionType int

const (
	CompressionNone CompressionType = 1
	CompressionZlib CompressionType = 2
)

// Attachment describes one blob of the storage area as recorded in the
// index. The bytes themselves live outside the index, keyed by UUID.
type Attachment struct {
	Type             AttachmentType  `json:"content_type"`
	UUID             string          `json:"uuid"`
	CompressedSize   int64           `json:"compressed_size"`
	UncompressedSize int64           `json:"uncompressed_size"`
	CompressedHash   string          `json:"compressed_hash"`
	UncompressedHash string          `json:"uncompressed_hash"`
	Compression      CompressionType `json:"compression"`
}

// MetadataType identifies one metadata entry of a resource. Values below
// metadataUserStart are computed from the instance headers and may be
// reconstructed; values at or above it belong to the user.
type MetadataType int

const (
	MetadataRemoteAET       MetadataType = 1
	MetadataReceptionDate   MetadataType = 2
	MetadataTransferSyntax  MetadataType = 3
	MetadataSopClassUID     MetadataType = 4
	MetadataLastUpdate      MetadataType = 5
	MetadataOrigin          MetadataType = 6
	MetadataCalledAET       MetadataType = 7
	MetadataHTTPUsername    MetadataType = 8
	MetadataAnonymizedFrom  MetadataType = 9
	MetadataModifiedFrom    MetadataType = 10
	MetadataMainDicomSeq    MetadataType = 11
	metadataUserStart       MetadataType = 1024
	MetadataUserContentType MetadataType = metadataUserStart
)

// IsUserMetadata reports whether t is in the user-defined range.
func (t MetadataType) IsUserMetadata() bool {
	return t >= metadataUserStart
}
