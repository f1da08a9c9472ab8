package wasm

// testModule assembles a minimal actor module by hand. allocate always returns
// 1024, deallocate does nothing, and handle returns a fixed Response placed at
// offset 16 or, with hostCall set, passes that request to host_call and returns
// whatever the host answers.
type testModule struct {
	response []byte
	hostCall bool
	// token fills the jwt custom section when set
	token string
}

const dataOffset = 16

func (m testModule) bytes() []byte {
	const (
		i32 = 0x7F
		i64 = 0x7E
	)
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	types := vec(
		[]byte{0x60, 1, i64, 1, i64},                // 0 host_call
		[]byte{0x60, 1, i32, 1, i32},                // 1 allocate
		[]byte{0x60, 2, i32, i32, 0},                // 2 deallocate
		[]byte{0x60, 4, i32, i32, i32, i32, 1, i64}, // 3 handle
	)
	out = append(out, section(1, types)...)

	base := uint64(0)
	if m.hostCall {
		imp := append(name("lattice"), name("host_call")...)
		imp = append(imp, 0x00, 0x00)
		out = append(out, section(2, vec(imp))...)
		base = 1
	}

	out = append(out, section(3, vec([]byte{1}, []byte{2}, []byte{3}))...)
	out = append(out, section(5, vec([]byte{0x00, 1}))...)

	exports := vec(
		append(name("memory"), 0x02, 0x00),
		append(name("allocate"), append([]byte{0x00}, uleb(base)...)...),
		append(name("deallocate"), append([]byte{0x00}, uleb(base+1)...)...),
		append(name("handle"), append([]byte{0x00}, uleb(base+2)...)...),
	)
	out = append(out, section(7, exports)...)

	packed := int64(dataOffset)<<32 | int64(len(m.response))
	handle := append([]byte{0x42}, sleb(packed)...)
	if m.hostCall {
		handle = append(handle, 0x10, 0x00)
	}
	code := vec(
		body(append([]byte{0x41}, sleb(1024)...)),
		body(nil),
		body(handle),
	)
	out = append(out, section(10, code)...)

	offset := append([]byte{0x41}, sleb(dataOffset)...)
	segment := append([]byte{0x00}, offset...)
	segment = append(segment, 0x0B)
	segment = append(segment, append(uleb(uint64(len(m.response))), m.response...)...)
	out = append(out, section(11, vec(segment))...)

	if m.token != "" {
		out = append(out, section(0, append(name("jwt"), m.token...))...)
	}
	return out
}

func body(instrs []byte) []byte {
	b := append([]byte{0x00}, instrs...) // no locals
	b = append(b, 0x0B)
	return append(uleb(uint64(len(b))), b...)
}

func section(id byte, content []byte) []byte {
	return append(append([]byte{id}, uleb(uint64(len(content)))...), content...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
