package reference

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

const (
	checksumSuffix   = ".checksum"
	inProgressSuffix = ".inprogress"
)

// completion is the content of a completion marker.
type completion struct {
	Checksum Checksum
	Size     int64
}

// readCompletion reads the completion marker of the asset at path. It
// returns an error satisfying os.IsNotExist if there is none.
func readCompletion(path string) (completion, error) {
	data, err := ioutil.ReadFile(path + checksumSuffix)
	if err != nil {
		return completion{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return completion{}, errors.E(errors.Integrity, "malformed completion marker", path+checksumSuffix)
	}
	c, err := ParseChecksum(fields[0])
	if err != nil {
		return completion{}, err
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size <= 0 {
		return completion{}, errors.E(errors.Integrity, "malformed size in completion marker", path+checksumSuffix)
	}
	return completion{Checksum: c, Size: size}, nil
}

// writeCompletion atomically writes the completion marker for path.
func writeCompletion(path string, c completion) error {
	tmp := path + checksumSuffix + ".tmp"
	data := fmt.Sprintf("%s %d\n", c.Checksum, c.Size)
	if err := ioutil.WriteFile(tmp, []byte(data), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path+checksumSuffix)
}

func removeCompletion(path string) error {
	if err := os.Remove(path + checksumSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// discard removes the asset at path and its completion marker. The marker
// goes first.
func discard(path string) error {
	if err := removeCompletion(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// claim creates the in-progress marker for path with O_EXCL. A marker older
// than staleAfter is assumed to belong to a dead process and is replaced.
// The returned function removes the marker.
func claim(id, path string, staleAfter time.Duration) (func(), error) {
	marker := path + inProgressSuffix
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, err = fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(marker) // nolint: errcheck
				return nil, err
			}
			return func() {
				if err := os.Remove(marker); err != nil {
					log.Error.Printf("reference: remove %s: %v", marker, err)
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		info, statErr := os.Stat(marker)
		if statErr != nil {
			if os.IsNotExist(statErr) && attempt == 0 {
				continue
			}
			return nil, statErr
		}
		if attempt == 0 && staleAfter > 0 && time.Since(info.ModTime()) > staleAfter {
			log.Printf("reference: removing stale marker %s from %s", marker, info.ModTime())
			if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
				return nil, err
			}
			continue
		}
		return nil, &AcquisitionInProgressError{ID: id, Marker: marker, Since: info.ModTime()}
	}
}

func inProgress(path string) bool {
	_, err := os.Stat(path + inProgressSuffix)
	return err == nil
}
