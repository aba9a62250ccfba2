package ports

import "torrentvault/internal/domain"

type Session interface {
	ID() domain.TorrentID
	Name() string
	Magnet() string
	// MetadataReady is closed once the file list is known.
	MetadataReady() <-chan struct{}
	// Done is closed once the session has been destroyed.
	Done() <-chan struct{}
	Files() []domain.FileRef
	Snapshot() domain.SessionSnapshot
	// SelectFiles selects exactly the given ordinals and deselects the rest.
	SelectFiles(indices []int) error
	Pause() error
	Resume() error
	AddTrackers(trackers []string)
	Destroy() error
}
