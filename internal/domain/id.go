package domain

import (
	"encoding/hex"
	"strings"
)

// TorrentID is the canonical identifier of a torrent: the lowercase 40-char
// hex encoding of its v1 info hash.
type TorrentID string

const torrentIDLength = 40

const btihPrefix = "urn:btih:"

// NormalizeTorrentID trims and lowercases raw and strips any leading
// urn:btih: prefixes. It never fails and is idempotent; use Valid to check
// the result.
func NormalizeTorrentID(raw string) TorrentID {
	value := strings.ToLower(strings.TrimSpace(raw))
	for strings.HasPrefix(value, btihPrefix) {
		value = strings.TrimSpace(strings.TrimPrefix(value, btihPrefix))
	}
	return TorrentID(value)
}

// Valid reports whether id is 40 lowercase hex characters.
func (id TorrentID) Valid() bool {
	if len(id) != torrentIDLength {
		return false
	}
	if strings.ToLower(string(id)) != string(id) {
		return false
	}
	_, err := hex.DecodeString(string(id))
	return err == nil
}

func (id TorrentID) String() string {
	return string(id)
}
