package usecase

import (
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	"torrentvault/internal/domain"
)

const magnetPrefix = "magnet:?xt=urn:btih:"

// ParseSource turns a magnet URI or a bare 40-hex / 32-base32 info hash into
// an engine spec carrying the canonical identifier.
func ParseSource(raw string) (domain.TorrentSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.TorrentSpec{}, invalidInput("empty torrent uri")
	}

	uri := raw
	bare := !strings.HasPrefix(strings.ToLower(raw), "magnet:")
	if bare {
		hash := strings.TrimPrefix(strings.ToLower(raw), "urn:btih:")
		if len(hash) != 40 && len(hash) != 32 {
			return domain.TorrentSpec{}, invalidInput("unrecognised torrent uri")
		}
		if len(hash) == 32 {
			hash = strings.ToUpper(hash)
		}
		uri = magnetPrefix + hash
	}

	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return domain.TorrentSpec{}, invalidInput("parse magnet: %v", err)
	}
	id := domain.NormalizeTorrentID(m.InfoHash.HexString())
	if m.InfoHash == (metainfo.Hash{}) || !id.Valid() {
		return domain.TorrentSpec{}, invalidInput("magnet has no usable info hash")
	}

	magnet := raw
	if bare {
		magnet = magnetPrefix + string(id)
	}
	return domain.TorrentSpec{
		ID:          id,
		Magnet:      magnet,
		DisplayName: strings.TrimSpace(m.DisplayName),
		Trackers:    dedupeTrackers(m.Trackers),
	}, nil
}

// specFromRecord rebuilds the engine spec from persisted intent. A record
// whose magnet has gone missing still resolves from its identifier.
func specFromRecord(rec domain.TorrentRecord) (domain.TorrentSpec, error) {
	source := rec.Magnet
	if strings.TrimSpace(source) == "" {
		source = string(rec.ID)
	}
	spec, err := ParseSource(source)
	if err != nil {
		return domain.TorrentSpec{}, err
	}
	if spec.ID != rec.ID {
		return domain.TorrentSpec{}, invalidInput("stored magnet does not match identifier %s", rec.ID)
	}
	if spec.DisplayName == "" {
		spec.DisplayName = rec.Name
	}
	return spec, nil
}

func dedupeTrackers(trackers []string) []string {
	if len(trackers) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(trackers))
	out := make([]string, 0, len(trackers))
	for _, tr := range trackers {
		tr = strings.TrimSpace(tr)
		if tr == "" {
			continue
		}
		if _, ok := seen[tr]; ok {
			continue
		}
		seen[tr] = struct{}{}
		out = append(out, tr)
	}
	return out
}
