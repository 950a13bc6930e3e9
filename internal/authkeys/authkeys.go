// Package authkeys edits an OpenSSH authorized_keys file in place.
//
// Entries written here carry a marker token in their comment field so they
// can be removed again without touching lines added by anyone else. The file
// is never assumed to be owned exclusively: every mutation re-reads it and
// only the lines it matches are changed.
package authkeys

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Marker returns the comment token tying an entry to name.
func Marker(prefix, name string) string {
	return prefix + ":" + name
}

// Line renders an authorized_keys entry. options may be empty.
func Line(options string, key ssh.PublicKey, marker string) string {
	content := KeyContent(key)
	if options != "" {
		content = options + " " + content
	}
	if marker != "" {
		content += " " + marker
	}
	return content
}

// KeyContent is the "<type> <base64>" part of key, the part that identifies it.
func KeyContent(key ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
}

// Add appends line to the file at path unless the key content is already
// present anywhere in it. It reports whether the file was changed.
func Add(path string, key ssh.PublicKey, line string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if bytes.Contains(data, []byte(KeyContent(key))) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("ensure dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if len(data) > 0 && data[len(data)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(line)
	buf.WriteByte('\n')
	if _, err := f.Write(buf.Bytes()); err != nil {
		return false, fmt.Errorf("append %s: %w", path, err)
	}
	return true, nil
}

// Entry is a tagged line found in the file.
type Entry struct {
	Marker  string
	Options []string
	Key     ssh.PublicKey
	Line    string
}

// Tagged returns every parsable entry with a comment token starting with
// prefix + ":". A missing file has no entries.
func Tagged(path, prefix string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var out []Entry
	for _, line := range strings.SplitAfter(string(data), "\n") {
		key, comment, options, ok := parse(line)
		if !ok {
			continue
		}
		for _, tok := range strings.Fields(comment) {
			if strings.HasPrefix(tok, prefix+":") {
				out = append(out, Entry{
					Marker:  tok,
					Options: options,
					Key:     key,
					Line:    strings.TrimRight(line, "\r\n"),
				})
				break
			}
		}
	}
	return out, nil
}

// RemoveTagged deletes every line whose comment holds exactly marker and
// returns how many were removed. All other bytes are kept as they were.
func RemoveTagged(path, marker string) (int, error) {
	return RemoveFunc(path, func(tok string) bool { return tok == marker })
}

// RemoveFunc deletes every line with a comment token for which match
// returns true.
func RemoveFunc(path string, match func(token string) bool) (int, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	var kept strings.Builder
	removed := 0
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if matches(line, match) {
			removed++
			continue
		}
		kept.WriteString(line)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := writeAtomic(path, []byte(kept.String()), info); err != nil {
		return 0, err
	}
	return removed, nil
}

func matches(line string, match func(string) bool) bool {
	_, comment, _, ok := parse(line)
	if !ok {
		return false
	}
	for _, tok := range strings.Fields(comment) {
		if match(tok) {
			return true
		}
	}
	return false
}

func parse(line string) (ssh.PublicKey, string, []string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil, "", nil, false
	}
	key, comment, options, _, err := ssh.ParseAuthorizedKey([]byte(trimmed))
	if err != nil {
		return nil, "", nil, false
	}
	return key, comment, options, true
}

var chown = os.Chown

// writeAtomic replaces path with data, keeping the mode and owner recorded
// in orig.
func writeAtomic(path string, data []byte, orig fs.FileInfo) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".authorized_keys.*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, orig.Mode().Perm()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp: %w", err)
	}
	if uid, gid, ok := fileOwner(orig); ok {
		if err := chown(tmpName, uid, gid); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("chown temp: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
