package a64lift

import (
	"fmt"
	"strings"

	"pcodelift/internal/archspec"
	"pcodelift/internal/pcode"
)

const zeroReg = 31

var flagNames = [4]string{"NG", "ZR", "CY", "OV"}

// regFile maps register numbers to storage. W registers alias the low half
// of the matching X register.
type regFile struct {
	x      [31]pcode.VarnodeData
	w      [31]pcode.VarnodeData
	sp     pcode.VarnodeData
	flags  [4]pcode.VarnodeData
	byName map[string]pcode.VarnodeData
	names  map[pcode.VarnodeData]string
}

func newRegFile(regs *archspec.Registers) (*regFile, error) {
	rf := &regFile{
		byName: make(map[string]pcode.VarnodeData),
		names:  make(map[pcode.VarnodeData]string),
	}
	for _, name := range regs.Names() {
		vn, _ := regs.Lookup(name)
		rf.add(name, vn)
	}
	need := func(name string) (pcode.VarnodeData, error) {
		vn, ok := rf.byName[strings.ToLower(name)]
		if !ok {
			return vn, fmt.Errorf("document lacks register %s", name)
		}
		return vn, nil
	}
	var err error
	for i := range rf.x {
		if rf.x[i], err = need(fmt.Sprintf("x%d", i)); err != nil {
			return nil, err
		}
		if rf.x[i].Size != 8 {
			return nil, fmt.Errorf("register x%d has size %d, want 8", i, rf.x[i].Size)
		}
		rf.w[i] = pcode.VarnodeData{Space: rf.x[i].Space, Offset: rf.x[i].Offset, Size: 4}
		if _, ok := rf.byName[fmt.Sprintf("w%d", i)]; !ok {
			rf.add(fmt.Sprintf("w%d", i), rf.w[i])
		}
	}
	if rf.sp, err = need("sp"); err != nil {
		return nil, err
	}
	if _, ok := rf.byName["wsp"]; !ok {
		rf.add("wsp", pcode.VarnodeData{Space: rf.sp.Space, Offset: rf.sp.Offset, Size: 4})
	}
	for i, name := range flagNames {
		if rf.flags[i], err = need(name); err != nil {
			return nil, err
		}
	}
	return rf, nil
}

func (rf *regFile) add(name string, vn pcode.VarnodeData) {
	rf.byName[strings.ToLower(name)] = vn
	if _, ok := rf.names[vn]; !ok {
		rf.names[vn] = name
	}
}

func (rf *regFile) lookup(name string) (pcode.VarnodeData, error) {
	if vn, ok := rf.byName[strings.ToLower(name)]; ok {
		return vn, nil
	}
	return pcode.VarnodeData{}, fmt.Errorf("unknown register %q", name)
}

func (rf *regFile) name(spc *pcode.AddrSpace, off uint64, size int) string {
	return rf.names[pcode.VarnodeData{Space: spc, Offset: off, Size: uint32(size)}]
}

// gp returns general register n at the given width. Register 31 is only
// meaningful to the caller, which picks between the zero register and SP.
func (rf *regFile) gp(n uint32, wide bool) pcode.VarnodeData {
	if wide {
		return rf.x[n]
	}
	return rf.w[n]
}

func (rf *regFile) stack(wide bool) pcode.VarnodeData {
	if wide {
		return rf.sp
	}
	return pcode.VarnodeData{Space: rf.sp.Space, Offset: rf.sp.Offset, Size: 4}
}
