package interop

import (
	"debug/dwarf"
	"debug/elf"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/sync/errgroup"

	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/utils"
)

// runtimeLibNames are library basename suffixes that belong to the managed
// runtime. Runtime libraries are excluded from native breakpointing and
// from user-code classification. Historical names cover older runtime
// generations still in the field.
var runtimeLibNames = []string{
	"libclrjit.so",
	"libcoreclr.so",
	"libcoreclrtraceptprovider.so",
	"libhostpolicy.so",
	"System.Globalization.Native.so",
	"System.Security.Cryptography.Native.OpenSsl.so",
	"System.IO.Compression.Native.so",
	"System.Net.Security.Native.so",
	"System.Native.so",
	"System.Net.Http.Native.so",
	"libSystem.Native.so",
	"libSystem.IO.Compression.Native.so",
	"libSystem.Net.Security.Native.so",
	"libSystem.Security.Cryptography.Native.OpenSsl.so",
	"libSystem.Globalization.Native.so",
	"libclrgc.so",
}

// isRuntimeLibrary matches a library path against the runtime suffix list.
func isRuntimeLibrary(fullName string) bool {
	for _, name := range runtimeLibNames {
		if utils.EndsWith(fullName, name) {
			return true
		}
	}
	return false
}

// addrRange is a half-open address interval.
type addrRange struct {
	start uint64
	end   uint64
}

// procEntry is one function symbol from .symtab or .dynsym.
type procEntry struct {
	name  string
	start uint64
	end   uint64
}

// LibraryInfo carries everything the engine knows about one loaded native
// library.
type LibraryInfo struct {
	FullPath  string
	LoadName  string
	StartAddr uint64
	EndAddr   uint64
	IsRuntime bool

	dwarfData *dwarf.Data
	procTable []procEntry // sorted by start address
	// thumbRegions is the ordered disjoint set of Thumb code intervals
	// (ARM32 only), from $t/$a/$d mapping symbols or .dynsym bit 0.
	thumbRegions []addrRange
}

// HasDebugInfo reports whether DWARF data was found for the library.
func (l *LibraryInfo) HasDebugInfo() bool { return l.dwarfData != nil }

// isThumb binary-searches the Thumb region set.
func (l *LibraryInfo) isThumb(addr uint64) bool {
	i := sort.Search(len(l.thumbRegions), func(i int) bool {
		return l.thumbRegions[i].end > addr
	})
	return i < len(l.thumbRegions) && l.thumbRegions[i].start <= addr
}

// InteropLibraries indexes every loaded native library: ELF sections,
// DWARF line tables, procedure address ranges and Thumb-code regions.
type InteropLibraries struct {
	mu   sync.Mutex
	arch Arch
	log  *slog.Logger
	// keyed by start address
	libs map[uint64]*LibraryInfo
}

// NewInteropLibraries creates an empty index.
func NewInteropLibraries(arch Arch, log *slog.Logger) *InteropLibraries {
	return &InteropLibraries{arch: arch, log: log, libs: make(map[uint64]*LibraryInfo)}
}

// debugFileCandidates lists the separate debug file search order for a
// library: in-file first, then <file>.debug, ./.debug/<file>.debug and
// /usr/lib/debug/<path>/<file>.debug.
func debugFileCandidates(fullPath string) []string {
	dir, file := filepath.Split(fullPath)
	return []string{
		dir + file + ".debug",
		dir + ".debug/" + file + ".debug",
		"/usr/lib/debug" + dir + file + ".debug",
	}
}

// loadDwarf opens DWARF data from the library image or a separate debug
// file.
func loadDwarf(fullPath string) *dwarf.Data {
	tryFile := func(path string) *dwarf.Data {
		file, err := elf.Open(path)
		if err != nil {
			return nil
		}
		defer file.Close()
		data, err := file.DWARF()
		if err != nil {
			return nil
		}
		return data
	}

	if data := tryFile(fullPath); data != nil {
		return data
	}
	for _, candidate := range debugFileCandidates(fullPath) {
		if data := tryFile(candidate); data != nil {
			return data
		}
	}
	return nil
}

// collectProcTable builds the sorted function table from .symtab with a
// .dynsym fallback (STT_FUNC, size > 0).
func collectProcTable(file *elf.File, startAddr uint64, arch Arch) []procEntry {
	symbols, err := file.Symbols()
	if err != nil || len(symbols) == 0 {
		symbols, err = file.DynamicSymbols()
		if err != nil {
			return nil
		}
	}

	var table []procEntry
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Size == 0 || sym.Name == "" {
			continue
		}
		start := sym.Value + startAddr
		if arch == ArchARM32 {
			start &^= 1 // dynamic symbols carry the Thumb bit
		}
		table = append(table, procEntry{name: sym.Name, start: start, end: start + sym.Size})
	}
	sort.Slice(table, func(i, j int) bool { return table[i].start < table[j].start })
	return table
}

// collectThumbRegions derives the ARM32 Thumb interval set. The .symtab
// mapping symbols ($t starts Thumb code, $a ARM code, $d data) cover every
// code block even without names; .dynsym function symbols with bit 0 set
// are the fallback.
func collectThumbRegions(file *elf.File, startAddr uint64) []addrRange {
	if symbols, err := file.Symbols(); err == nil {
		type block struct {
			addr uint64
			kind byte
		}
		var blocks []block
		for _, sym := range symbols {
			name := sym.Name
			if name != "$t" && name != "$a" && name != "$d" &&
				!strings.HasPrefix(name, "$t.") && !strings.HasPrefix(name, "$a.") && !strings.HasPrefix(name, "$d.") {
				continue
			}
			blocks = append(blocks, block{addr: sym.Value + startAddr, kind: name[1]})
		}
		if len(blocks) > 0 {
			sort.Slice(blocks, func(i, j int) bool { return blocks[i].addr < blocks[j].addr })
			var regions []addrRange
			var thumbStart uint64
			inThumb := false
			for _, b := range blocks {
				if b.kind == 't' && !inThumb {
					thumbStart = b.addr
					inThumb = true
				} else if b.kind != 't' && inThumb {
					regions = append(regions, addrRange{start: thumbStart, end: b.addr})
					inThumb = false
				}
			}
			if inThumb {
				regions = append(regions, addrRange{start: thumbStart, end: ^uint64(0)})
			}
			return regions
		}
	}

	symbols, err := file.DynamicSymbols()
	if err != nil {
		return nil
	}
	var regions []addrRange
	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value&1 == 0 || sym.Size == 0 {
			continue
		}
		start := (sym.Value &^ 1) + startAddr
		regions = append(regions, addrRange{start: start, end: start + sym.Size})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })
	// merge adjacent/overlapping intervals into a disjoint set
	merged := regions[:0]
	for _, region := range regions {
		if len(merged) > 0 && region.start <= merged[len(merged)-1].end {
			if region.end > merged[len(merged)-1].end {
				merged[len(merged)-1].end = region.end
			}
			continue
		}
		merged = append(merged, region)
	}
	return merged
}

// AddLibrary indexes a just-loaded library. ELF data, DWARF and the ARM32
// Thumb regions are collected concurrently.
func (il *InteropLibraries) AddLibrary(loadName, fullName string, startAddr, endAddr uint64) model.SymbolStatus {
	if endAddr <= startAddr {
		il.log.Error("library not added, end address must be greater than start address", "library", fullName)
		return model.SymbolsSkipped
	}

	info := &LibraryInfo{
		FullPath:  fullName,
		LoadName:  loadName,
		StartAddr: startAddr,
		EndAddr:   endAddr,
		IsRuntime: isRuntimeLibrary(fullName),
	}

	file, err := elf.Open(fullName)
	if err == nil {
		var group errgroup.Group
		group.Go(func() error {
			info.dwarfData = loadDwarf(fullName)
			return nil
		})
		group.Go(func() error {
			info.procTable = collectProcTable(file, startAddr, il.arch)
			return nil
		})
		if il.arch == ArchARM32 {
			group.Go(func() error {
				info.thumbRegions = collectThumbRegions(file, startAddr)
				return nil
			})
		}
		group.Wait()
		file.Close()
	} else {
		il.log.Info("library image is unreadable", "library", fullName, "error", err)
	}

	il.mu.Lock()
	il.libs[startAddr] = info
	il.mu.Unlock()

	if info.HasDebugInfo() {
		return model.SymbolsLoaded
	}
	return model.SymbolsNotFound
}

// addLibraryInfo installs a prebuilt record, for tests.
func (il *InteropLibraries) addLibraryInfo(info *LibraryInfo) {
	il.mu.Lock()
	il.libs[info.StartAddr] = info
	il.mu.Unlock()
}

// RemoveLibrary drops a library by real path and returns its range.
func (il *InteropLibraries) RemoveLibrary(fullName string) (uint64, uint64, bool) {
	il.mu.Lock()
	defer il.mu.Unlock()

	for start, info := range il.libs {
		if info.FullPath == fullName {
			delete(il.libs, start)
			return info.StartAddr, info.EndAddr, true
		}
	}
	return 0, 0, false
}

// RemoveAllLibraries clears the index.
func (il *InteropLibraries) RemoveAllLibraries() {
	il.mu.Lock()
	il.libs = make(map[uint64]*LibraryInfo)
	il.mu.Unlock()
}

// libForAddr finds the library containing an address. Caller holds mu.
func (il *InteropLibraries) libForAddr(addr uint64) *LibraryInfo {
	for _, info := range il.libs {
		if addr >= info.StartAddr && addr < info.EndAddr {
			return info
		}
	}
	return nil
}

// documentMatches compares a DWARF file table entry against the user's
// source path: full match or basename-suffix match.
func documentMatches(entryPath, requested string) bool {
	if entryPath == requested {
		return true
	}
	return utils.Basename(entryPath) == utils.Basename(requested) &&
		strings.HasSuffix(entryPath, requested)
}

// lineCandidate is a matching line-table row during source resolution.
type lineCandidate struct {
	offset uint64
	line   int
	column int
	path   string
}

// findOffsetBySourceAndLine scans each CU for a matching file entry and
// picks the line entry with the smallest (line, column) at or after the
// requested line.
func findOffsetBySourceAndLine(data *dwarf.Data, fileName string, lineNum int) (lineCandidate, bool) {
	var best lineCandidate
	found := false

	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}
		lineReader, err := data.LineReader(entry)
		if err != nil || lineReader == nil {
			continue
		}

		var row dwarf.LineEntry
		for {
			if err := lineReader.Next(&row); err == io.EOF {
				break
			} else if err != nil {
				break
			}
			if row.EndSequence || row.File == nil || row.Address == 0 {
				continue
			}
			if !documentMatches(row.File.Name, fileName) {
				continue
			}
			if row.Line < lineNum {
				continue
			}
			if !found || row.Line < best.line || (row.Line == best.line && row.Column < best.column) {
				best = lineCandidate{offset: row.Address, line: row.Line, column: row.Column, path: row.File.Name}
				found = true
			}
		}
		reader.SkipChildren()
	}
	return best, found
}

// FindAddrBySourceAndLineForLib resolves (source, line) inside one library.
func (il *InteropLibraries) FindAddrBySourceAndLineForLib(libStartAddr uint64, fileName string, lineNum int) (addr uint64, resolvedLine int, resolvedPath string, isThumb bool) {
	il.mu.Lock()
	info, found := il.libs[libStartAddr]
	il.mu.Unlock()
	if !found || info.IsRuntime || !info.HasDebugInfo() {
		return 0, 0, "", false
	}

	candidate, ok := findOffsetBySourceAndLine(info.dwarfData, fileName, lineNum)
	if !ok {
		return 0, 0, "", false
	}
	addr = info.StartAddr + candidate.offset
	return addr, candidate.line, candidate.path, il.IsThumbCode(addr)
}

// FindAddrBySourceAndLine resolves (source, line) against every loaded
// non-runtime library, first match wins.
func (il *InteropLibraries) FindAddrBySourceAndLine(fileName string, lineNum int) (addr uint64, resolvedLine int, resolvedPath string, isThumb bool) {
	il.mu.Lock()
	starts := make([]uint64, 0, len(il.libs))
	for start := range il.libs {
		starts = append(starts, start)
	}
	il.mu.Unlock()
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for _, start := range starts {
		addr, resolvedLine, resolvedPath, isThumb = il.FindAddrBySourceAndLineForLib(start, fileName, lineNum)
		if addr != 0 {
			return addr, resolvedLine, resolvedPath, isThumb
		}
	}
	return 0, 0, "", false
}

// demangleProc applies Itanium ABI demangling to _Z-prefixed names.
func demangleProc(name string) string {
	if !strings.HasPrefix(name, "_Z") {
		return name
	}
	demangled, err := demangle.ToString(name)
	if err != nil {
		return name
	}
	return demangled
}

// AddrData is the symbolization result for one native address.
type AddrData struct {
	LibName        string
	LibStartAddr   uint64
	ProcName       string
	ProcStartAddr  uint64
	FullSourcePath string
	LineNum        int
}

// procForAddr searches the sorted procedure table.
func procForAddr(table []procEntry, addr uint64) (procEntry, bool) {
	i := sort.Search(len(table), func(i int) bool { return table[i].end > addr })
	if i < len(table) && table[i].start <= addr {
		return table[i], true
	}
	return procEntry{}, false
}

// dwarfDataForAddr resolves procedure name and source line from DWARF.
func dwarfDataForAddr(data *dwarf.Data, offset uint64) (procName, sourcePath string, lineNum int) {
	reader := data.Reader()
	entry, err := reader.SeekPC(offset)
	if err != nil || entry == nil {
		return "", "", 0
	}

	// line row covering the offset
	if lineReader, err := data.LineReader(entry); err == nil && lineReader != nil {
		var row dwarf.LineEntry
		var best dwarf.LineEntry
		haveBest := false
		for {
			if err := lineReader.Next(&row); err != nil {
				break
			}
			if row.EndSequence || row.Address > offset {
				continue
			}
			if !haveBest || row.Address > best.Address {
				best = row
				haveBest = true
			}
		}
		if haveBest && best.File != nil {
			sourcePath = best.File.Name
			lineNum = best.Line
		}
	}

	// enclosing subprogram DIE
	for {
		die, err := reader.Next()
		if err != nil || die == nil {
			break
		}
		if die.Tag == 0 {
			break
		}
		if die.Tag != dwarf.TagSubprogram && die.Tag != dwarf.TagInlinedSubroutine {
			reader.SkipChildren()
			continue
		}
		lowPC, okLow := die.Val(dwarf.AttrLowpc).(uint64)
		if !okLow {
			reader.SkipChildren()
			continue
		}
		var highPC uint64
		switch high := die.Val(dwarf.AttrHighpc).(type) {
		case uint64:
			highPC = high
		case int64:
			highPC = lowPC + uint64(high)
		}
		if offset < lowPC || offset >= highPC {
			reader.SkipChildren()
			continue
		}
		if linkage, ok := die.Val(dwarf.AttrLinkageName).(string); ok {
			procName = demangleProc(linkage)
		} else if name, ok := die.Val(dwarf.AttrName).(string); ok {
			procName = name
		}
		break
	}
	return procName, sourcePath, lineNum
}

// FindDataForAddr symbolizes a native address: library, procedure
// (demangled), source path and line. Debug info is preferred; the
// procedure table is the fallback.
func (il *InteropLibraries) FindDataForAddr(addr uint64) (AddrData, bool) {
	il.mu.Lock()
	info := il.libForAddr(addr)
	il.mu.Unlock()
	if info == nil {
		return AddrData{}, false
	}

	result := AddrData{LibName: info.LoadName, LibStartAddr: info.StartAddr}
	if result.LibName == "" {
		result.LibName = utils.Basename(info.FullPath)
	}

	if info.HasDebugInfo() {
		procName, sourcePath, lineNum := dwarfDataForAddr(info.dwarfData, addr-info.StartAddr)
		result.ProcName = procName
		result.FullSourcePath = sourcePath
		result.LineNum = lineNum
	}
	if proc, found := procForAddr(info.procTable, addr); found {
		if result.ProcName == "" {
			result.ProcName = demangleProc(proc.name)
		}
		result.ProcStartAddr = proc.start
	}
	return result, true
}

// FindDataForNotClrAddr resolves the library load name and procedure name
// for thread classification; runtime library addresses report ok=false.
func (il *InteropLibraries) FindDataForNotClrAddr(addr uint64) (libName, procName string, ok bool) {
	il.mu.Lock()
	info := il.libForAddr(addr)
	il.mu.Unlock()
	if info == nil {
		return "", "", true // unknown address, caller skips the thread
	}
	if info.IsRuntime {
		return "", "", false
	}

	libName = utils.Basename(info.FullPath)
	if proc, found := procForAddr(info.procTable, addr); found {
		procName = demangleProc(proc.name)
	}
	return libName, procName, true
}

// IsUserDebuggingCode reports whether the address belongs to a non-runtime
// library with DWARF loaded.
func (il *InteropLibraries) IsUserDebuggingCode(addr uint64) bool {
	il.mu.Lock()
	defer il.mu.Unlock()
	info := il.libForAddr(addr)
	return info != nil && !info.IsRuntime && info.HasDebugInfo()
}

// IsThumbCode reports whether an ARM32 address lies in a Thumb region.
func (il *InteropLibraries) IsThumbCode(addr uint64) bool {
	if il.arch != ArchARM32 {
		return false
	}
	il.mu.Lock()
	defer il.mu.Unlock()
	info := il.libForAddr(addr)
	return info != nil && info.isThumb(addr)
}

// ForEachLibrary walks the loaded set ordered by start address.
func (il *InteropLibraries) ForEachLibrary(cb func(info *LibraryInfo) bool) {
	il.mu.Lock()
	infos := make([]*LibraryInfo, 0, len(il.libs))
	for _, info := range il.libs {
		infos = append(infos, info)
	}
	il.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].StartAddr < infos[j].StartAddr })
	for _, info := range infos {
		if !cb(info) {
			return
		}
	}
}

// KnownAddress reports whether any loaded library covers the address.
func (il *InteropLibraries) KnownAddress(addr uint64) bool {
	il.mu.Lock()
	defer il.mu.Unlock()
	return il.libForAddr(addr) != nil
}
