package lock

// Mode is a lock mode in the multi-granularity lattice.
type Mode uint8

const (
	Free Mode = iota
	IS        // intent share
	IX        // intent exclusive
	S         // share
	SIX       // share + intent exclusive
	U         // update
	X         // exclusive
	numModes
)

var modeNames = [numModes]string{"FREE", "IS", "IX", "S", "SIX", "U", "X"}

func (m Mode) String() string {
	if m >= numModes {
		return "INVALID"
	}
	return modeNames[m]
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m < numModes
}

const (
	yes = true
	no  = false
)

// compatTable[requested][granted]
var compatTable = [numModes][numModes]bool{
	//     FREE IS   IX   S    SIX  U    X
	Free: {yes, yes, yes, yes, yes, yes, yes},
	IS:   {yes, yes, yes, yes, yes, yes, no},
	IX:   {yes, yes, yes, no, no, no, no},
	S:    {yes, yes, no, yes, no, yes, no},
	SIX:  {yes, yes, no, no, no, no, no},
	U:    {yes, yes, no, yes, no, no, no},
	X:    {yes, no, no, no, no, no, no},
}

// upgradeTable[a][b] is the least mode dominating both a and b.
//
// The order is Free < IS < {IX, S}; IX < SIX; S < {SIX, U}; {SIX, U} < X.
var upgradeTable = [numModes][numModes]Mode{
	//     FREE IS  IX   S    SIX  U  X
	Free: {Free, IS, IX, S, SIX, U, X},
	IS:   {IS, IS, IX, S, SIX, U, X},
	IX:   {IX, IX, IX, SIX, SIX, X, X},
	S:    {S, S, SIX, S, SIX, U, X},
	SIX:  {SIX, SIX, SIX, SIX, SIX, X, X},
	U:    {U, U, X, U, X, U, X},
	X:    {X, X, X, X, X, X, X},
}

// Compatible reports whether a request for mode requested can join a granted
// group whose supremum is granted.
func Compatible(requested, granted Mode) bool {
	return compatTable[requested][granted]
}

// Upgrade returns the least mode that dominates both a and b.
func Upgrade(a, b Mode) Mode {
	return upgradeTable[a][b]
}

// Covers reports whether held already dominates requested.
func Covers(held, requested Mode) bool {
	return upgradeTable[held][requested] == held
}

// intentFor returns the table-level intent mode taken before a row lock.
func intentFor(row Mode) Mode {
	switch row {
	case S, IS:
		return IS
	case Free:
		return Free
	default:
		return IX
	}
}

// escalatedFor returns the table-level mode that replaces row locks of mode row.
func escalatedFor(row Mode) Mode {
	switch row {
	case S, IS:
		return S
	default:
		return X
	}
}

// Class is the duration class of a lock request.
type Class uint8

const (
	Instant Class = iota
	Short
	Long
	VeryLong
)

func (c Class) String() string {
	switch c {
	case Instant:
		return "instant"
	case Short:
		return "short"
	case Long:
		return "long"
	case VeryLong:
		return "very_long"
	}
	return "invalid"
}

// Status is the state of a single lock request.
type Status uint8

const (
	Granted Status = iota
	Converting
	Waiting
	Denied
)

func (s Status) String() string {
	switch s {
	case Granted:
		return "granted"
	case Converting:
		return "converting"
	case Waiting:
		return "waiting"
	case Denied:
		return "denied"
	}
	return "invalid"
}

// Result is the outcome of an acquire call. Contention is not an error.
type Result uint8

const (
	OK Result = iota
	WouldBlock
	Timeout
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case WouldBlock:
		return "would_block"
	case Timeout:
		return "timeout"
	}
	return "invalid"
}
