package interop

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// mapsEntry is one parsed line of /proc/<pid>/maps.
type mapsEntry struct {
	start uint64
	end   uint64
	inode int64
	path  string
}

// parseMapsLine parses "start-end perms offset dev inode path". Lines
// without a path (anonymous mappings) return path "".
func parseMapsLine(line string) (mapsEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return mapsEntry{}, false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return mapsEntry{}, false
	}
	start, err1 := strconv.ParseUint(addrs[0], 16, 64)
	end, err2 := strconv.ParseUint(addrs[1], 16, 64)
	inode, err3 := strconv.ParseInt(fields[4], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return mapsEntry{}, false
	}
	entry := mapsEntry{start: start, end: end, inode: inode}
	if len(fields) >= 6 {
		entry.path = fields[5]
	}
	return entry, true
}

// execPath resolves /proc/<pid>/exe.
func execPath(pid int) (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", err
	}
	return path, nil
}

// scanMaps walks maps entries until cb returns false.
func scanMaps(reader io.Reader, cb func(entry mapsEntry) bool) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		entry, ok := parseMapsLine(scanner.Text())
		if !ok {
			continue
		}
		if !cb(entry) {
			return
		}
	}
}

// openMaps opens the maps file of a thread; tid of zero uses the process
// level file.
func openMaps(tgid, tid int) (io.ReadCloser, error) {
	if tid != 0 {
		return os.Open(fmt.Sprintf("/proc/%d/task/%d/maps", tgid, tid))
	}
	return os.Open(fmt.Sprintf("/proc/%d/maps", tgid))
}

// execStartAddr finds the executable's first file-backed mapping, the load
// base used to locate its dynamic segment.
func execStartAddr(pid int, execName string) (uint64, error) {
	file, err := openMaps(pid, pid)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	return execStartAddrFrom(file, execName)
}

func execStartAddrFrom(reader io.Reader, execName string) (uint64, error) {
	var start uint64
	scanMaps(reader, func(entry mapsEntry) bool {
		if entry.inode == 0 || entry.path != execName {
			return true
		}
		start = entry.start
		return false
	})
	if start == 0 {
		return 0, fmt.Errorf("no mapping found for %s", execName)
	}
	return start, nil
}

// libEndAddrAndRealName resolves the on-disk real path of a library mapped
// at libAddr and the end of its contiguous mapping run. vDSO and other
// anonymous entries yield an empty name and are ignored by the caller.
func libEndAddrAndRealName(tgid, tid int, libAddr uint64) (uint64, string, error) {
	file, err := openMaps(tgid, tid)
	if err != nil {
		return 0, "", err
	}
	defer file.Close()
	endAddr, realName := libEndAddrAndRealNameFrom(file, libAddr)
	return endAddr, realName, nil
}

func libEndAddrAndRealNameFrom(reader io.Reader, libAddr uint64) (uint64, string) {
	var endAddr uint64
	realName := ""
	scanMaps(reader, func(entry mapsEntry) bool {
		if entry.inode == 0 {
			return true
		}
		if endAddr != 0 && realName != entry.path {
			return false
		}
		if entry.start == libAddr {
			realName = entry.path
		}
		if realName != "" {
			endAddr = entry.end
		}
		return true
	})
	return endAddr, realName
}
