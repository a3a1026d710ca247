package rtu

import "sync/atomic"

// atomicCAS is a small helper over sync/atomic so Transmit's
// "only the first of concurrent calls succeeds" guarantee (P5) reads
// as a single compare-and-swap rather than a lock acquired around the
// whole call.
func atomicCAS(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}

func atomicStoreFalse(addr *uint32) {
	atomic.StoreUint32(addr, 0)
}
