package storage

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"
)

const snapshotPrefix = "snapshots/"

// ErrEmptyArchive is returned by Latest when no snapshot has been archived.
var ErrEmptyArchive = errors.New("snapshot archive is empty")

// ArchivedSnapshot identifies one object in the archive. Keys sort by store
// version, so the lexically last key is the newest snapshot.
type ArchivedSnapshot struct {
	Key          string    `json:"key"`
	StoreVersion uint64    `json:"store_version"`
	SavedAt      time.Time `json:"saved_at"`
}

// Archive mirrors encoded store snapshots into a Backend.
type Archive struct {
	backend Backend
	now     func() time.Time
}

func NewArchive(b Backend) *Archive {
	return &Archive{backend: b, now: time.Now}
}

func snapshotKey(version uint64, at time.Time) string {
	return fmt.Sprintf("%s%020d-%d.json.zst", snapshotPrefix, version, at.UTC().Unix())
}

func parseSnapshotKey(key string) (ArchivedSnapshot, bool) {
	name, ok := strings.CutPrefix(key, snapshotPrefix)
	if !ok {
		return ArchivedSnapshot{}, false
	}
	name, ok = strings.CutSuffix(name, ".json.zst")
	if !ok {
		return ArchivedSnapshot{}, false
	}
	versionPart, tsPart, ok := strings.Cut(name, "-")
	if !ok {
		return ArchivedSnapshot{}, false
	}
	version, err := strconv.ParseUint(versionPart, 10, 64)
	if err != nil {
		return ArchivedSnapshot{}, false
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ArchivedSnapshot{}, false
	}
	return ArchivedSnapshot{Key: key, StoreVersion: version, SavedAt: time.Unix(ts, 0).UTC()}, true
}

// Put stores an encoded snapshot taken at storeVersion.
func (a *Archive) Put(storeVersion uint64, data []byte) (ArchivedSnapshot, error) {
	at := a.now()
	key := snapshotKey(storeVersion, at)
	if err := a.backend.Write(key, data); err != nil {
		return ArchivedSnapshot{}, fmt.Errorf("archive snapshot: %w", err)
	}
	return ArchivedSnapshot{Key: key, StoreVersion: storeVersion, SavedAt: at.UTC().Truncate(time.Second)}, nil
}

// List returns archived snapshots, oldest first. Unrecognized objects under
// the prefix are ignored.
func (a *Archive) List() ([]ArchivedSnapshot, error) {
	keys, err := a.backend.List(snapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	out := make([]ArchivedSnapshot, 0, len(keys))
	for _, k := range keys {
		if s, ok := parseSnapshotKey(k); ok {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(x, y ArchivedSnapshot) int { return strings.Compare(x.Key, y.Key) })
	return out, nil
}

// Latest returns the newest archived snapshot and its encoded bytes.
func (a *Archive) Latest() (ArchivedSnapshot, []byte, error) {
	all, err := a.List()
	if err != nil {
		return ArchivedSnapshot{}, nil, err
	}
	if len(all) == 0 {
		return ArchivedSnapshot{}, nil, ErrEmptyArchive
	}
	latest := all[len(all)-1]
	rc, err := a.backend.Read(latest.Key)
	if err != nil {
		return latest, nil, fmt.Errorf("read %s: %w", latest.Key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return latest, nil, fmt.Errorf("read %s: %w", latest.Key, err)
	}
	return latest, data, nil
}

// Prune deletes all but the newest keep snapshots.
func (a *Archive) Prune(keep int) (int, error) {
	all, err := a.List()
	if err != nil {
		return 0, err
	}
	if keep < 1 {
		keep = 1
	}
	if len(all) <= keep {
		return 0, nil
	}
	stale := all[:len(all)-keep]
	for _, s := range stale {
		if err := a.backend.Delete(s.Key); err != nil {
			return 0, fmt.Errorf("delete %s: %w", s.Key, err)
		}
	}
	return len(stale), nil
}
