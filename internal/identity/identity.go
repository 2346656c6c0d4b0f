// Package identity holds the subscriber-identity value types shared by
// every control-layer component: the IMSI/TMSI/IMEI tuple and the L3
// transaction identifier allocation rules of GSM 04.07 §11.2.3.1.3.
package identity

import "fmt"

// FullMobileId is the subscriber identity carried on a radio channel.
// IMSI is the canonical key; TMSI is a per-location-area alias that may
// be absent (HasTMSI == false); IMEI is optional equipment identity.
type FullMobileId struct {
	IMSI    string
	TMSI    uint32
	HasTMSI bool
	IMEI    string
}

func (id FullMobileId) String() string {
	switch {
	case id.IMSI != "":
		return "imsi:" + id.IMSI
	case id.HasTMSI:
		return fmt.Sprintf("tmsi:%08x", id.TMSI)
	case id.IMEI != "":
		return "imei:" + id.IMEI
	default:
		return "id:none"
	}
}

// Empty reports whether no identity component is set at all.
func (id FullMobileId) Empty() bool {
	return id.IMSI == "" && !id.HasTMSI && id.IMEI == ""
}

// TI is a GSM 04.07 transaction identifier: a 3-bit value (0..6; 7 is
// reserved and never allocated) plus the direction flag carried in bit 3
// of the TI/SKIP octet. Comparisons between two TIs ignore the flag.
type TI uint8

const (
	// TIFlag marks a TI value as "network originated" once xor-ed in on
	// the wire; Equal() masks it back off before comparing.
	TIFlag TI = 0x08
	// TIReserved is never handed out by the allocator.
	TIReserved TI = 7
	// TIUnassigned is the sentinel used before a transaction's first
	// TI-bearing message arrives.
	TIUnassigned TI = 0xFF
)

// Value returns the bare 3-bit TI, with the direction flag masked off.
func (t TI) Value() uint8 { return uint8(t) & 0x07 }

// Equal compares two TIs ignoring the direction flag.
func (t TI) Equal(o TI) bool { return t.Value() == o.Value() }

// WithFlag returns t with the network-originated direction bit set.
func (t TI) WithFlag() TI { return (t & 0x07) | TIFlag }

// Assigned reports whether t is a concrete, allocated TI.
func (t TI) Assigned() bool { return t != TIUnassigned }

// TIAllocator hands out TI values 0..6 round-robin within one
// MMContext, skipping the reserved value 7 and any TI still in use.
type TIAllocator struct {
	next TI
}

// NewTIAllocator seeds the allocator at a starting value in [0,6], as
// spec.md requires ("next-TI counter initialised to a random 0-6").
func NewTIAllocator(seed uint8) *TIAllocator {
	return &TIAllocator{next: TI(seed % 7)}
}

// Alloc returns the next free TI not present in inUse, round-robin from
// the current cursor. It returns false if all 7 values are taken.
func (a *TIAllocator) Alloc(inUse func(TI) bool) (TI, bool) {
	for i := 0; i < 7; i++ {
		cand := a.next
		a.next = (a.next + 1) % 7
		if !inUse(cand) {
			return cand, true
		}
	}
	return 0, false
}
