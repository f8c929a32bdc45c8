package interop

import (
	"debug/elf"
	"log/slog"
	"sync"

	"github.com/Manu343726/garrapata/pkg/dbg/model"
	"github.com/Manu343726/garrapata/pkg/utils"
)

// Dynamic linker rendezvous protocol constants (<link.h>).
const (
	dtNull  = 0
	dtDebug = 21

	rtConsistent = 0
	rtAdd        = 1
	rtDelete     = 2
)

// LoadLibCallback reports one library the linker mapped in.
type LoadLibCallback func(tid int, libLoadName, realLibName string, startAddr, endAddr uint64)

// UnloadLibCallback reports one library the linker unmapped.
type UnloadLibCallback func(realLibName string)

// memReader reads debuggee memory word by word, advancing an address
// cursor the way the rendezvous structures are laid out.
type memReader struct {
	tracer Tracer
	pid    int
	arch   Arch
}

func (r memReader) word(addr *uint64) (uint64, error) {
	value, err := r.tracer.PeekWord(r.pid, *addr)
	if err != nil {
		*addr = 0
		return 0, err
	}
	*addr += uint64(r.arch.WordSize())
	return value, nil
}

// cString reads a null terminated string in word-size blocks.
func (r memReader) cString(addr uint64) string {
	result := make([]byte, 0, 32)
	for {
		word, err := r.tracer.PeekWord(r.pid, addr)
		if err != nil {
			return string(result)
		}
		for i := 0; i < r.arch.WordSize(); i++ {
			b := byte(word >> (8 * i))
			if b == 0 {
				return string(result)
			}
			result = append(result, b)
		}
		addr += uint64(r.arch.WordSize())
	}
}

// rDebug mirrors struct r_debug: r_version, r_map, r_brk, r_state,
// r_ldbase. Word-size padding follows the int fields on 64-bit targets.
type rDebug struct {
	rMap   uint64
	rBrk   uint64
	rState int
}

func (r memReader) readRDebug(rendezvousAddr uint64) (rDebug, error) {
	addr := rendezvousAddr
	if _, err := r.word(&addr); err != nil { // r_version (+ padding)
		return rDebug{}, err
	}
	var out rDebug
	var err error
	if out.rMap, err = r.word(&addr); err != nil {
		return rDebug{}, err
	}
	if out.rBrk, err = r.word(&addr); err != nil {
		return rDebug{}, err
	}
	state, err := r.word(&addr)
	if err != nil {
		return rDebug{}, err
	}
	out.rState = int(int32(state))
	return out, nil
}

// linkMap mirrors struct link_map: l_addr, l_name, l_ld, l_next, l_prev.
type linkMap struct {
	lAddr uint64
	lName uint64
	lNext uint64
}

func (r memReader) readLinkMap(addr uint64) (linkMap, error) {
	var out linkMap
	var err error
	if out.lAddr, err = r.word(&addr); err != nil {
		return out, err
	}
	if out.lName, err = r.word(&addr); err != nil {
		return out, err
	}
	if _, err = r.word(&addr); err != nil { // l_ld
		return out, err
	}
	if out.lNext, err = r.word(&addr); err != nil {
		return out, err
	}
	return out, nil
}

// resolveRendezvous locates the r_debug structure through the executable's
// DT_DEBUG dynamic entry.
func resolveRendezvous(tracer Tracer, arch Arch, pid int) (uint64, error) {
	execName, err := execPath(pid)
	if err != nil {
		return 0, utils.MakeError(model.ErrUnreadableDebuggee, "exe readlink: %v", err)
	}
	startAddr, err := execStartAddr(pid, execName)
	if err != nil {
		return 0, utils.MakeError(model.ErrUnreadableDebuggee, "exec mapping: %v", err)
	}

	elfFile, err := elf.Open(execName)
	if err != nil {
		return 0, utils.MakeError(model.ErrUnreadableDebuggee, "elf open %s: %v", execName, err)
	}
	defer elfFile.Close()

	var dynamicAddr uint64
	for _, prog := range elfFile.Progs {
		if prog.Type == elf.PT_DYNAMIC {
			dynamicAddr = startAddr + prog.Vaddr
			break
		}
	}
	if dynamicAddr == 0 {
		return 0, utils.MakeError(model.ErrUnreadableDebuggee, "no dynamic segment in %s", execName)
	}

	reader := memReader{tracer: tracer, pid: pid, arch: arch}
	addr := dynamicAddr
	for {
		tag, err := reader.word(&addr)
		if err != nil {
			return 0, err
		}
		if tag == dtNull {
			break
		}
		value, err := reader.word(&addr)
		if err != nil {
			return 0, err
		}
		if tag == dtDebug {
			return value, nil
		}
	}
	return 0, utils.MakeError(model.ErrUnreadableDebuggee, "no DT_DEBUG entry in %s", execName)
}

// RendezvousBreakpoint tracks the dynamic linker's loaded-library set via a
// breakpoint on its reporting routine (r_brk).
type RendezvousBreakpoint struct {
	mu     sync.Mutex
	tracer Tracer
	arch   Arch
	log    *slog.Logger
	shared *MemBreakpoints

	loadLib   LoadLibCallback
	unloadLib UnloadLibCallback

	// mapsLookup resolves a library's end address and real path; replaced
	// in tests with a fake /proc view.
	mapsLookup func(tgid, tid int, libAddr uint64) (uint64, string, error)
	// resolve locates r_debug; replaced in tests.
	resolve func(tracer Tracer, arch Arch, pid int) (uint64, error)

	rendezvousAddr uint64
	brkAddr        uint64
	brkState       int
	// load name -> on-disk real name of every currently loaded library
	libsNameToRealName map[string]string
}

// NewRendezvousBreakpoint creates an unarmed tracker over the shared
// breakpoint table.
func NewRendezvousBreakpoint(tracer Tracer, arch Arch, shared *MemBreakpoints, log *slog.Logger) *RendezvousBreakpoint {
	return &RendezvousBreakpoint{
		tracer:             tracer,
		arch:               arch,
		log:                log,
		shared:             shared,
		mapsLookup:         libEndAddrAndRealName,
		resolve:            resolveRendezvous,
		libsNameToRealName: make(map[string]string),
	}
}

// forEachLib walks the current r_map list. Entries with an empty name
// (vDSO, the executable itself) are skipped.
func (r *RendezvousBreakpoint) forEachLib(pid int, cb func(libName string, startAddr uint64)) error {
	reader := memReader{tracer: r.tracer, pid: pid, arch: r.arch}
	rendezvous, err := reader.readRDebug(r.rendezvousAddr)
	if err != nil {
		return err
	}
	linkMapAddr := rendezvous.rMap
	for linkMapAddr != 0 {
		entry, err := reader.readLinkMap(linkMapAddr)
		if err != nil {
			return err
		}
		name := reader.cString(entry.lName)
		if name != "" {
			cb(name, entry.lAddr)
		}
		linkMapAddr = entry.lNext
	}
	return nil
}

// Setup resolves the rendezvous structure, reports every already-loaded
// library and arms the breakpoint on r_brk. Must be called only with all
// threads stopped during interop initialization.
func (r *RendezvousBreakpoint) Setup(pid int, loadLib LoadLibCallback, unloadLib UnloadLibCallback,
	isThumbCode func(addr uint64) bool) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.loadLib = loadLib
	r.unloadLib = unloadLib

	rendezvousAddr, err := r.resolve(r.tracer, r.arch, pid)
	if err != nil {
		return err
	}
	r.rendezvousAddr = rendezvousAddr

	err = r.forEachLib(pid, func(libName string, startAddr uint64) {
		endAddr, realName, err := r.mapsLookup(pid, 0, startAddr)
		if err != nil || endAddr == 0 || realName == "" {
			return
		}
		r.loadLib(pid, libName, realName, startAddr, endAddr)
		r.libsNameToRealName[libName] = realName
	})
	if err != nil {
		return err
	}

	reader := memReader{tracer: r.tracer, pid: pid, arch: r.arch}
	rendezvous, err := reader.readRDebug(r.rendezvousAddr)
	if err != nil {
		return err
	}
	r.brkAddr = rendezvous.rBrk
	if err := r.shared.Add(pid, r.brkAddr, isThumbCode(r.brkAddr), func() {}); err != nil {
		return err
	}
	r.brkState = rendezvous.rState
	return nil
}

// ChangeState is called on each r_brk hit. The linker reports a pending
// change first (RT_ADD or RT_DELETE) and consistency second; only the next
// RT_CONSISTENT makes the reported library set trustworthy, at which point
// the new r_map list is diffed against the cache.
func (r *RendezvousBreakpoint) ChangeState(tgid, tid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reader := memReader{tracer: r.tracer, pid: tgid, arch: r.arch}
	rendezvous, err := reader.readRDebug(r.rendezvousAddr)
	if err != nil {
		r.log.Warn("rendezvous state read failed", "error", err)
		return
	}
	state := rendezvous.rState

	if state == rtConsistent {
		switch r.brkState {
		case rtAdd:
			r.forEachLib(tgid, func(libName string, startAddr uint64) {
				if _, known := r.libsNameToRealName[libName]; known {
					return
				}
				endAddr, realName, err := r.mapsLookup(tgid, tid, startAddr)
				if err != nil || endAddr == 0 || realName == "" {
					return
				}
				r.loadLib(tid, libName, realName, startAddr, endAddr)
				r.libsNameToRealName[libName] = realName
			})
		case rtDelete:
			removed := make(map[string]string, len(r.libsNameToRealName))
			for name, realName := range r.libsNameToRealName {
				removed[name] = realName
			}
			r.forEachLib(tgid, func(libName string, startAddr uint64) {
				delete(removed, libName)
			})
			for name, realName := range removed {
				r.unloadLib(realName)
				delete(r.libsNameToRealName, name)
			}
		}
	}
	r.brkState = state
}

// IsRendezvousBreakpoint reports whether a trap address is the armed
// rendezvous breakpoint.
func (r *RendezvousBreakpoint) IsRendezvousBreakpoint(brkAddr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brkAddr != 0 && brkAddr == r.brkAddr && r.shared.IsBreakpoint(r.brkAddr)
}

// RemoveAtDetach disarms the breakpoint and clears the cache. Must be
// called only with all threads stopped and fixed.
func (r *RendezvousBreakpoint) RemoveAtDetach(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.brkAddr != 0 {
		r.shared.Remove(pid, r.brkAddr, func() {}, func(addr uint64) {})
	}
	r.rendezvousAddr = 0
	r.brkState = 0
	r.brkAddr = 0
	r.libsNameToRealName = make(map[string]string)
}
