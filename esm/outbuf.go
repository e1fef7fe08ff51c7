package esm

// outBuf is the growable output byte buffer the transcoder owns for the
// lifetime of one Run. It supports pure append plus in-place patching
// at an already-written offset, which is all group header size
// backpatching and the OFST rebuild ever need.
type outBuf struct {
	data []byte
}

func (o *outBuf) Len() int { return len(o.data) }

func (o *outBuf) Write(b []byte) {
	o.data = append(o.data, b...)
}

// PatchAt overwrites o.data[offset:offset+len(b)] with b. Callers must
// only patch spans that have already been written.
func (o *outBuf) PatchAt(offset int, b []byte) {
	copy(o.data[offset:offset+len(b)], b)
}

func (o *outBuf) Bytes() []byte { return o.data }
