package pal

import "testing"

type firmwareFn func(cpu int, proc Proc) Result

func (fn firmwareFn) Call(cpu int, proc Proc, _, _, _ uint64) Result {
	return fn(cpu, proc)
}

func TestQueryPurgeParams(t *testing.T) {
	fw := firmwareFn(func(_ int, proc Proc) Result {
		if proc != ProcPTCEInfo {
			t.Fatalf("expected call to ProcPTCEInfo; got %d", proc)
		}
		return Result{Value: [3]uint64{0x1000, 2<<32 | 3, 0x100<<32 | 0x10}}
	})

	pp, err := QueryPurgeParams(fw, 0)
	if err != nil {
		t.Fatal(err)
	}

	exp := PurgeParams{Base: 0x1000, Count1: 2, Count2: 3, Stride1: 0x100, Stride2: 0x10}
	if pp != exp {
		t.Fatalf("expected purge params %+v; got %+v", exp, pp)
	}

	var got []uint64
	pp.Visit(func(addr uint64) { got = append(got, addr) })

	expAddrs := []uint64{0x1000, 0x1010, 0x1020, 0x1130, 0x1140, 0x1150}
	if len(got) != len(expAddrs) {
		t.Fatalf("expected %d purge addresses; got %d", len(expAddrs), len(got))
	}
	for i, addr := range expAddrs {
		if got[i] != addr {
			t.Errorf("expected purge address %d to be 0x%x; got 0x%x", i, addr, got[i])
		}
	}
}

func TestQueryPurgeParamsError(t *testing.T) {
	fw := firmwareFn(func(_ int, _ Proc) Result {
		return Result{Status: StatusUnimplemented}
	})

	if _, err := QueryPurgeParams(fw, 0); err != ErrPurgeInfo {
		t.Fatalf("expected error %v; got %v", ErrPurgeInfo, err)
	}
}

func TestQueryRegionIDBits(t *testing.T) {
	specs := []struct {
		res     Result
		expBits uint
		expOK   bool
	}{
		{Result{Value: [3]uint64{0, 24 << 8, 0}}, 24, true},
		{Result{Value: [3]uint64{0, 18<<8 | 0xff0000, 0}}, 18, true},
		{Result{Status: StatusError}, 0, false},
	}

	for specIndex, spec := range specs {
		fw := firmwareFn(func(_ int, _ Proc) Result { return spec.res })
		bits, ok := QueryRegionIDBits(fw, 0)
		if bits != spec.expBits || ok != spec.expOK {
			t.Errorf("[spec %d] expected (%d, %t); got (%d, %t)", specIndex, spec.expBits, spec.expOK, bits, ok)
		}
	}
}
