package ipt

import "strings"

// Errata selects the silicon bugs the engine compensates for.
type Errata struct {
	BDM70  bool
	BDM64  bool
	SKD007 bool
	SKD022 bool
	SKD010 bool
	SKL014 bool
	APL12  bool
	APL11  bool
	SKL168 bool
}

func (e Errata) String() string {
	var set []string
	for _, f := range []struct {
		on   bool
		name string
	}{
		{e.BDM70, "bdm70"},
		{e.BDM64, "bdm64"},
		{e.SKD007, "skd007"},
		{e.SKD022, "skd022"},
		{e.SKD010, "skd010"},
		{e.SKL014, "skl014"},
		{e.APL12, "apl12"},
		{e.APL11, "apl11"},
		{e.SKL168, "skl168"},
	} {
		if f.on {
			set = append(set, f.name)
		}
	}
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(set, ",")
}

// ErrataFor returns the errata that apply to cpu. Only Intel processors are
// known; any other vendor yields CodeBadCPU.
func ErrataFor(cpu CPU) (Errata, error) {
	var e Errata
	if cpu.Vendor != VendorIntel {
		return e, NewError("errata", CodeBadCPU)
	}
	if cpu.Family != 0x6 {
		return e, nil
	}

	switch cpu.Model {
	case 0x3d, 0x47, 0x4f, 0x56:
		e.BDM70 = true
		e.BDM64 = true

	case 0x4e, 0x5e, 0x8e, 0x9e, 0xa5, 0xa6:
		e.BDM70 = true
		e.SKD007 = true
		e.SKD022 = true
		e.SKD010 = true
		e.SKL014 = true
		e.SKL168 = true

	case 0x55, 0x66, 0x67, 0x6a, 0x6c, 0x7d, 0x7e, 0x8c, 0x8d, 0x8f:
		e.BDM70 = true
		e.SKL014 = true
		e.SKD022 = true

	case 0x5c, 0x5f:
		e.APL12 = true
		e.APL11 = true

	case 0x7a, 0x86, 0x96, 0x9c:
		e.APL11 = true
	}
	return e, nil
}
