package domain

// EventKind enumerates engine notifications surfaced to the lifecycle layer.
type EventKind string

const (
	EventMetadataReady    EventKind = "metadata_ready"
	EventDownloadComplete EventKind = "download_complete"
	EventError            EventKind = "error"
	EventWarning          EventKind = "warning"
	EventNoPeers          EventKind = "no_peers"
)

type EngineEvent struct {
	ID   TorrentID
	Kind EventKind
	Err  error
}
