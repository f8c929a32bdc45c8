package dbg

import (
	"bufio"
	"os"
	"sync"
)

const sourceCacheLimit = 16

// sourceFile is one cached source with its line table.
type sourceFile struct {
	path  string
	lines []string
}

// SourceStorage is a small MRU cache of source file lines used when
// rendering stop locations.
type SourceStorage struct {
	mu    sync.Mutex
	files []*sourceFile
}

// NewSourceStorage creates an empty cache.
func NewSourceStorage() *SourceStorage {
	return &SourceStorage{}
}

// GetLine returns a 1-based source line, loading and caching the file on
// first use.
func (s *SourceStorage) GetLine(path string, line int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := s.lookup(path)
	if file == nil {
		loaded, err := loadSourceFile(path)
		if err != nil {
			return "", false
		}
		file = loaded
		s.files = append([]*sourceFile{file}, s.files...)
		if len(s.files) > sourceCacheLimit {
			s.files = s.files[:sourceCacheLimit]
		}
	}

	if line < 1 || line > len(file.lines) {
		return "", false
	}
	return file.lines[line-1], true
}

// lookup finds a cached file and moves it to the front.
func (s *SourceStorage) lookup(path string) *sourceFile {
	for i, file := range s.files {
		if file.path == path {
			if i != 0 {
				copy(s.files[1:i+1], s.files[:i])
				s.files[0] = file
			}
			return file
		}
	}
	return nil
}

func loadSourceFile(path string) (*sourceFile, error) {
	handle, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer handle.Close()

	file := &sourceFile{path: path}
	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		file.lines = append(file.lines, scanner.Text())
	}
	return file, scanner.Err()
}
