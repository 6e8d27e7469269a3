package bridge

// MaxInputMessageSize is the maximum size in bytes for a single terminal
// input message. Larger messages are dropped to prevent abuse.
const MaxInputMessageSize = 64 * 1024

// MaxResizeCols and MaxResizeRows cap terminal resize requests.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

// DefaultCols and DefaultRows size the pseudo-terminal before the client
// sends its first resize.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// ClampResize bounds requested dimensions to the allowed range. It operates
// on ints and converts only after clamping: converting first would let a
// value like 65536 wrap to 0 and slip past both the minimum and the cap.
func ClampResize(cols, rows int) (uint16, uint16) {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	if cols > int(MaxResizeCols) {
		cols = int(MaxResizeCols)
	}
	if rows > int(MaxResizeRows) {
		rows = int(MaxResizeRows)
	}
	return uint16(cols), uint16(rows)
}
