package esm

// WorldEntry records a WRLD record's form id and its file offset in the
// source buffer, in the order the scanner first observed it.
type WorldEntry struct {
	FormID uint32
	Offset uint64
}

// CellInfo is what the scanner knows about one CELL record after pass 1.
type CellInfo struct {
	Offset   uint64
	Flags    uint32
	Size     uint32
	Interior bool

	// GridX/GridY are populated only for exterior cells (an XCLC
	// subrecord was found).
	GridX, GridY int32
	HasGrid      bool

	// ParentWorld is the form id of the nearest enclosing group-type-1
	// ancestor, if any.
	ParentWorld    uint32
	HasParentWorld bool

	// WorldPersistent is true when the cell's parent chain never
	// traversed a group of type 4 or 5.
	WorldPersistent bool
}

// ChildGroupKey indexes a cell's persistent/temporary/visible-when-distant
// child group by (cell form id, group type).
type ChildGroupKey struct {
	CellFormID uint32
	GroupType  int32
}

// FileRange is a byte span in the source buffer.
type FileRange struct {
	Offset uint64
	Size   uint64
}

// ConversionIndex is the read-only result of scanning a source ESM: the
// input the transcoder consumes to drive its entire run.
type ConversionIndex struct {
	Worlds []WorldEntry
	Cells  map[uint32]*CellInfo

	// ExteriorCellsByWorld lists, for each world form id, the form ids
	// of its exterior cells in discovery order.
	ExteriorCellsByWorld map[uint32][]uint32

	// WorldPersistentCellByWorld maps a world form id to its single
	// persistent (always-loaded) cell, if one was found.
	WorldPersistentCellByWorld map[uint32]uint32

	// ChildGroups maps (cell, group type 8/9/10) to the file range of
	// that child group in the source buffer.
	ChildGroups map[ChildGroupKey]FileRange
}

func newConversionIndex() *ConversionIndex {
	return &ConversionIndex{
		Cells:                      make(map[uint32]*CellInfo),
		ExteriorCellsByWorld:       make(map[uint32][]uint32),
		WorldPersistentCellByWorld: make(map[uint32]uint32),
		ChildGroups:                make(map[ChildGroupKey]FileRange),
	}
}

// ScanStats summarizes one scan, in the same spirit as carve.Stats and
// esm.Stats: numbers an operator or test can assert against without
// inspecting the whole index.
type ScanStats struct {
	WorldsFound        int
	CellsFound         int
	ChildGroupsIndexed int
	UsedWorldFallback  bool
	UsedCellFallback   bool
}
