package distributed

// Root commands.
const (
	InstantiateDistributedObject byte = iota
)

// Object commands.
const (
	Enable byte = iota
	Disable
)

// Message kinds on components with deltas.
const (
	Snapshot byte = iota
	Delta
)

// Animator delta commands.
const (
	SetFloatByID byte = iota
	SetFloatByName
)
