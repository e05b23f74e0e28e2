package chatstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	indexFileName   = "index.json"
	shardsDirName   = "shards"
	legacySuffix    = ".json"
	migratedSuffix  = ".json.migrated"
	orphanSuffix    = ".orphan-"
	filePerm        = 0o644
	dirPerm         = 0o755
	tempFilePattern = ".tmp-*"
)

// shardFS maps conversations onto the data directory:
//
//	<root>/<conv>.json                 legacy single-file history
//	<root>/<conv>/index.json           shard index
//	<root>/<conv>/shards/<shard>.json  shard data
type shardFS struct {
	root string
}

type messagesFile struct {
	Messages []Message `json:"messages"`
}

func (f shardFS) legacyPath(conv string) string {
	return filepath.Join(f.root, conv+legacySuffix)
}

func (f shardFS) convDir(conv string) string {
	return filepath.Join(f.root, conv)
}

func (f shardFS) indexPath(conv string) string {
	return filepath.Join(f.convDir(conv), indexFileName)
}

func (f shardFS) shardPath(conv, shardID string) string {
	return filepath.Join(f.convDir(conv), shardsDirName, shardID+".json")
}

// readIndex returns (nil, nil) when the conversation has no index yet.
func (f shardFS) readIndex(conv string) (*ShardIndex, error) {
	var ix ShardIndex
	if err := readJSON(f.indexPath(conv), &ix); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if ix.ConversationID == "" {
		ix.ConversationID = conv
	}
	if ix.ConversationID != conv {
		return nil, fmt.Errorf("index %s names conversation %q", f.indexPath(conv), ix.ConversationID)
	}
	return &ix, nil
}

func (f shardFS) writeIndex(ix *ShardIndex) error {
	return writeJSONAtomic(f.indexPath(ix.ConversationID), ix)
}

func (f shardFS) removeIndex(conv string) error {
	err := os.Remove(f.indexPath(conv))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// readShard returns the shard messages and the file size.
func (f shardFS) readShard(conv, shardID string) ([]Message, int64, error) {
	p := f.shardPath(conv, shardID)
	var sf messagesFile
	if err := readJSON(p, &sf); err != nil {
		return nil, 0, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return nil, 0, err
	}
	for i := range sf.Messages {
		sf.Messages[i].ConversationID = conv
	}
	return sf.Messages, st.Size(), nil
}

func (f shardFS) writeShard(conv, shardID string, msgs []Message) (int64, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	p := f.shardPath(conv, shardID)
	if err := writeJSONAtomic(p, messagesFile{Messages: msgs}); err != nil {
		return 0, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (f shardFS) removeShard(conv, shardID string) error {
	err := os.Remove(f.shardPath(conv, shardID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// setAsideShard renames a shard file the index does not list so it can
// never be read as part of the conversation. It returns the new path, or ""
// when there was no file.
func (f shardFS) setAsideShard(conv, shardID string, now time.Time) (string, error) {
	src := f.shardPath(conv, shardID)
	dst := src + orphanSuffix + strconv.FormatInt(now.UnixNano(), 10)
	err := os.Rename(src, dst)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return dst, nil
}

// readLegacy returns (nil, false, nil) when there is no legacy file.
func (f shardFS) readLegacy(conv string) ([]Message, bool, error) {
	var lf messagesFile
	if err := readJSON(f.legacyPath(conv), &lf); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	for i := range lf.Messages {
		lf.Messages[i].ConversationID = conv
	}
	return lf.Messages, true, nil
}

func (f shardFS) writeLegacy(conv string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	return writeJSONAtomic(f.legacyPath(conv), messagesFile{Messages: msgs})
}

func (f shardFS) markLegacyMigrated(conv string) error {
	return os.Rename(f.legacyPath(conv), filepath.Join(f.root, conv+migratedSuffix))
}

// legacyConversations lists conversations that still have an unmigrated legacy file.
func (f shardFS) legacyConversations() ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, legacySuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		conv := strings.TrimSuffix(name, legacySuffix)
		// Only participant pairs are histories; other JSON files are left alone.
		if _, _, ok := Participants(conv); ok && validConversationKey(conv) {
			out = append(out, conv)
		}
	}
	sort.Strings(out)
	return out, nil
}

func readJSON(path string, dst any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// writeJSONAtomic writes v next to path and renames it into place, so readers
// see either the old or the new file.
func writeJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
