package runner

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pipeord/pipeord/internal/storage"
)

// jobIO is the jailed file surface handed to stages. Writes land under the
// job's files/ tree through the JobFiles store; the runner registers written
// names in the snapshot after each stage. The log sink is append-only.
type jobIO struct {
	files   *storage.JobFiles
	logName string

	mu      sync.Mutex
	written map[string][]string // kind -> names written during the current task
}

func newJobIO(files *storage.JobFiles, taskID string) *jobIO {
	return &jobIO{
		files:   files,
		logName: taskID + ".log",
		written: map[string][]string{},
	}
}

func (io *jobIO) WriteArtifact(name string, data []byte) error {
	return io.write(storage.KindArtifacts, name, data)
}

func (io *jobIO) WriteTmp(name string, data []byte) error {
	return io.write(storage.KindTmp, name, data)
}

func (io *jobIO) write(kind, name string, data []byte) error {
	if _, err := io.files.Save(kind, name, bytes.NewReader(data)); err != nil {
		return err
	}
	io.record(kind, name)
	return nil
}

func (io *jobIO) ReadFile(kind, name string) ([]byte, error) {
	return io.files.Read(kind, name)
}

func (io *jobIO) Log(line string) error {
	stamped := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), line)
	if err := io.files.Append(io.logName, stamped); err != nil {
		return err
	}
	io.record(storage.KindLogs, io.logName)
	return nil
}

func (io *jobIO) record(kind, name string) {
	io.mu.Lock()
	defer io.mu.Unlock()
	for _, n := range io.written[kind] {
		if n == name {
			return
		}
	}
	io.written[kind] = append(io.written[kind], name)
	sort.Strings(io.written[kind])
}

// writtenNames returns the names written so far for one kind.
func (io *jobIO) writtenNames(kind string) []string {
	io.mu.Lock()
	defer io.mu.Unlock()
	return append([]string(nil), io.written[kind]...)
}
