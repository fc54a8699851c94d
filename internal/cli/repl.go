package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/phroun/skein"
	"github.com/phroun/skein/internal/logging"
)

const defaultDumpLength = 1024

// REPL holds the state of an interactive session.
type REPL struct {
	opts   skein.Options
	handle *skein.Handle
	cursor *skein.Cursor
	in     *bufio.Reader
	out    io.Writer
	styles *Styles
	width  int
}

// NewREPL creates a session reading commands from in and writing to out.
func NewREPL(opts skein.Options, in io.Reader, out io.Writer, styles *Styles) *REPL {
	if styles == nil {
		styles = NewStyles(false)
	}
	return &REPL{
		opts:   opts,
		in:     bufio.NewReader(in),
		out:    out,
		styles: styles,
	}
}

func newReplCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repl [file]",
		Short: "Interactive session over a document",
		Long: `Start an interactive session. With a file argument the file is opened;
otherwise the session starts with an empty document.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			r := NewREPL(a.options(), cmd.InOrStdin(), out, NewStyles(colorEnabled(a.color, out)))
			if w, ok := terminalWidth(out); ok {
				r.width = w
			}
			if len(args) == 1 {
				r.cmdOpen(args)
			} else {
				r.cmdNew("")
			}
			return r.Run()
		},
	}
}

// Run reads and executes commands until quit or end of input.
func (r *REPL) Run() error {
	fmt.Fprintln(r.out, "skein REPL - type 'help' for commands, 'quit' to exit")
	defer r.closeDocument()

	for {
		fmt.Fprint(r.out, r.styles.Prompt.Render("skein> "))
		input, err := r.in.ReadString('\n')
		if line := strings.TrimSpace(input); line != "" {
			if !r.handleCommand(line) {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *REPL) handleCommand(input string) bool {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return true
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help":
		r.printHelp()
	case "quit", "exit":
		return false
	case "new":
		r.cmdNew(restText(input, 1))
	case "open":
		r.cmdOpen(args)
	case "close":
		r.closeDocument()
		r.ok("closed")
	case "status", "stats":
		r.cmdStatus()
	case "read":
		r.cmdRead(args)
	case "insert":
		r.cmdInsert(args, restText(input, 2))
	case "delete":
		r.cmdDelete(args)
	case "write":
		r.cmdWrite(args, restText(input, 2))
	case "dump":
		r.cmdDump(args)
	case "cursor":
		r.cmdCursor(args)
	case "next":
		r.cmdStep(args, true)
	case "prev":
		r.cmdStep(args, false)
	case "seek":
		r.cmdSeek(args)
	case "find", "rfind":
		r.cmdFind(restText(input, 1), cmd == "rfind")
	case "grep":
		r.cmdGrep(restText(input, 1))
	case "count":
		r.cmdCount(restText(input, 1))
	case "edits":
		r.cmdEdits(args)
	case "prune":
		r.cmdPrune()
	case "sync":
		r.cmdSync()
	case "check":
		r.cmdCheck()
	case "version":
		if r.ensureDocument() {
			fmt.Fprintf(r.out, "version %d\n", r.handle.Version())
		}
	default:
		r.fail(fmt.Errorf("unknown command %q, type 'help' for available commands", cmd))
	}
	return true
}

func (r *REPL) printHelp() {
	help := `
DOCUMENT:
  new [text]              Start a new document with the given text
  open <path>             Open a file
  close                   Close the current document
  status                  Show document, journal and cache statistics
  version                 Show the current edit version

READ & EDIT:
  read <offset> <length>  Read bytes
  dump [offset] [length]  Hex dump of a range
  insert <offset> <text>  Insert text (\n and \t are unescaped)
  delete <offset> <len>   Delete a range
  write <offset> <text>   Overwrite in place

CURSOR:
  cursor [offset]         Open a cursor at offset, or show the current one
  next [n]                Read n bytes forward
  prev [n]                Read n bytes backward
  seek <offset>           Move the cursor
  find <text>             Move the cursor to the next occurrence
  rfind <text>            Move the cursor to the previous occurrence
  grep <regexp>           Show the first regexp match after the cursor
  count <text>            Count occurrences in the document

JOURNAL & BACKEND:
  edits [since]           List journaled edits after a version
  prune                   Prune the edit log
  sync                    Flush the backend and clear dirty regions
  check                   Verify structural invariants

  help                    Show this help
  quit, exit              Leave the REPL
`
	fmt.Fprintln(r.out, help)
}

func (r *REPL) cmdNew(text string) {
	r.closeDocument()
	h, err := skein.OpenBytes([]byte(unescape(text)), r.opts)
	if err != nil {
		r.fail(err)
		return
	}
	r.handle = h
	r.ok(fmt.Sprintf("new document, %s", humanize.IBytes(uint64(h.Len()))))
}

func (r *REPL) cmdOpen(args []string) {
	if len(args) != 1 {
		r.fail(errors.New("usage: open <path>"))
		return
	}
	h, err := skein.OpenFile(args[0], r.opts)
	if err != nil {
		r.fail(err)
		return
	}
	r.closeDocument()
	r.handle = h
	logging.Default().Debug("opened", logging.FieldPath, args[0], logging.FieldLength, h.Len())
	r.ok(fmt.Sprintf("opened %s, %s", args[0], humanize.IBytes(uint64(h.Len()))))
}

func (r *REPL) closeDocument() {
	if r.cursor != nil {
		r.cursor.Close()
		r.cursor = nil
	}
	if r.handle != nil {
		r.handle.Close()
		r.handle = nil
	}
}

func (r *REPL) cmdStatus() {
	if !r.ensureDocument() {
		return
	}
	st := r.handle.Stats()
	pieces := "n/a"
	if st.Pieces >= 0 {
		pieces = humanize.Comma(int64(st.Pieces))
	}
	rows := [][2]string{
		{"length", fmt.Sprintf("%s (%s bytes)", humanize.IBytes(uint64(st.Length)), humanize.Comma(st.Length))},
		{"version", strconv.FormatUint(uint64(st.Version), 10)},
		{"pieces", pieces},
		{"journal", fmt.Sprintf("%d records, oldest %d", st.JournalRecords, st.OldestRecord)},
		{"cursors", strconv.Itoa(st.Cursors)},
		{"unsynced", strconv.FormatBool(st.Unsynced)},
		{"cache", fmt.Sprintf("%d regions, %s of %s, %s dirty",
			st.Cache.Regions, humanize.IBytes(uint64(st.Cache.Bytes)),
			humanize.IBytes(uint64(st.Cache.Budget)), humanize.IBytes(uint64(st.Cache.DirtyBytes)))},
		{"hits", fmt.Sprintf("%s hits, %s misses, %s evictions",
			humanize.Comma(int64(st.Cache.Hits)), humanize.Comma(int64(st.Cache.Misses)),
			humanize.Comma(int64(st.Cache.Evictions)))},
	}
	for _, row := range rows {
		fmt.Fprintf(r.out, "  %s %s\n", r.styles.Key.Render(fmt.Sprintf("%-9s", row[0])), r.styles.Value.Render(row[1]))
	}
}

func (r *REPL) cmdRead(args []string) {
	if !r.ensureDocument() {
		return
	}
	nums, err := parseInts(args, 2, "read <offset> <length>")
	if err != nil {
		r.fail(err)
		return
	}
	data, err := r.handle.Read(nums[0], nums[1])
	if err != nil {
		r.fail(err)
		return
	}
	fmt.Fprintf(r.out, "%q\n", data)
}

func (r *REPL) cmdInsert(args []string, text string) {
	if !r.ensureDocument() {
		return
	}
	nums, err := parseInts(args[:min(len(args), 1)], 1, "insert <offset> <text>")
	if err != nil {
		r.fail(err)
		return
	}
	v, err := r.handle.Insert(nums[0], []byte(unescape(text)))
	r.report(v, err)
}

func (r *REPL) cmdDelete(args []string) {
	if !r.ensureDocument() {
		return
	}
	nums, err := parseInts(args, 2, "delete <offset> <length>")
	if err != nil {
		r.fail(err)
		return
	}
	v, err := r.handle.Delete(nums[0], nums[1])
	r.report(v, err)
}

func (r *REPL) cmdWrite(args []string, text string) {
	if !r.ensureDocument() {
		return
	}
	nums, err := parseInts(args[:min(len(args), 1)], 1, "write <offset> <text>")
	if err != nil {
		r.fail(err)
		return
	}
	v, err := r.handle.Write(nums[0], []byte(unescape(text)))
	r.report(v, err)
}

func (r *REPL) cmdDump(args []string) {
	if !r.ensureDocument() {
		return
	}
	if len(args) > 2 {
		r.fail(errors.New("usage: dump [offset] [length]"))
		return
	}
	offset, length := int64(0), int64(defaultDumpLength)
	if len(args) > 0 {
		nums, err := parseInts(args, len(args), "dump [offset] [length]")
		if err != nil {
			r.fail(err)
			return
		}
		offset = nums[0]
		if len(nums) > 1 {
			length = nums[1]
		}
	}
	data, err := r.handle.Read(offset, length)
	if err != nil {
		r.fail(err)
		return
	}
	perLine := r.bytesPerLine()
	for i := 0; i < len(data); i += perLine {
		line := data[i:min(i+perLine, len(data))]
		var hex strings.Builder
		for j := range perLine {
			if j < len(line) {
				fmt.Fprintf(&hex, "%02x ", line[j])
			} else {
				hex.WriteString("   ")
			}
		}
		fmt.Fprintf(r.out, "%s  %s %s\n",
			r.styles.Offset.Render(fmt.Sprintf("%08x", offset+int64(i))),
			hex.String(),
			r.styles.Dim.Render(printable(line)))
	}
	if int64(len(data)) < r.handle.Len()-offset {
		fmt.Fprintln(r.out, r.styles.Dim.Render(fmt.Sprintf("... %s more", humanize.IBytes(uint64(r.handle.Len()-offset-int64(len(data)))))))
	}
}

// bytesPerLine fits a hex dump to the terminal: 10 columns of offset and
// four per byte.
func (r *REPL) bytesPerLine() int {
	if r.width <= 0 {
		return 16
	}
	n := (r.width - 11) / 4
	n -= n % 8
	return max(8, min(n, 32))
}

func (r *REPL) cmdCursor(args []string) {
	if !r.ensureDocument() {
		return
	}
	if len(args) == 0 {
		if r.cursor == nil {
			r.fail(errors.New("no cursor, use 'cursor <offset>'"))
			return
		}
		fmt.Fprintf(r.out, "cursor at %d (version %d)\n", r.cursor.Position(), r.cursor.Version())
		return
	}
	nums, err := parseInts(args, 1, "cursor <offset>")
	if err != nil {
		r.fail(err)
		return
	}
	c, err := r.handle.OpenCursor(nums[0])
	if err != nil {
		r.fail(err)
		return
	}
	if r.cursor != nil {
		r.cursor.Close()
	}
	r.cursor = c
	r.ok(fmt.Sprintf("cursor at %d (version %d)", c.Position(), c.Version()))
}

func (r *REPL) cmdStep(args []string, forward bool) {
	if !r.ensureCursor() {
		return
	}
	n := int64(1)
	if len(args) > 0 {
		nums, err := parseInts(args, 1, "next|prev [n]")
		if err != nil {
			r.fail(err)
			return
		}
		n = nums[0]
	}
	var got []byte
	var stepErr error
	for range n {
		var b byte
		if forward {
			b, stepErr = r.cursor.Next()
		} else {
			b, stepErr = r.cursor.Prev()
		}
		if stepErr != nil {
			break
		}
		got = append(got, b)
	}
	if !forward {
		for i, j := 0, len(got)-1; i < j; i, j = i+1, j-1 {
			got[i], got[j] = got[j], got[i]
		}
	}
	fmt.Fprintf(r.out, "%q ", got)
	switch {
	case errors.Is(stepErr, io.EOF):
		fmt.Fprint(r.out, r.styles.Dim.Render("<eof> "))
	case stepErr != nil:
		fmt.Fprintln(r.out)
		r.fail(stepErr)
		return
	}
	fmt.Fprintln(r.out, r.styles.Dim.Render(fmt.Sprintf("@%d", r.cursor.Position())))
}

func (r *REPL) cmdSeek(args []string) {
	if !r.ensureCursor() {
		return
	}
	nums, err := parseInts(args, 1, "seek <offset>")
	if err != nil {
		r.fail(err)
		return
	}
	if err := r.cursor.SeekTo(nums[0]); err != nil {
		r.fail(err)
		return
	}
	r.ok(fmt.Sprintf("cursor at %d", r.cursor.Position()))
}

func (r *REPL) cmdFind(text string, backward bool) {
	if !r.ensureCursor() {
		return
	}
	if text == "" {
		r.fail(errors.New("usage: find|rfind <text>"))
		return
	}
	res, found, err := r.cursor.FindNext([]byte(unescape(text)), skein.SearchOptions{Backward: backward})
	switch {
	case err != nil:
		r.fail(err)
	case !found:
		fmt.Fprintln(r.out, r.styles.Dim.Render("no match"))
	default:
		r.ok(fmt.Sprintf("match at %d-%d, cursor at %d", res.Start, res.End, r.cursor.Position()))
	}
}

func (r *REPL) cmdGrep(pattern string) {
	if !r.ensureCursor() {
		return
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		r.fail(err)
		return
	}
	res, found, err := r.cursor.FindRegexp(re)
	switch {
	case err != nil:
		r.fail(err)
	case !found:
		fmt.Fprintln(r.out, r.styles.Dim.Render("no match"))
	default:
		data, err := r.handle.Read(res.Start, res.End-res.Start)
		if err != nil {
			r.fail(err)
			return
		}
		fmt.Fprintf(r.out, "%q %s\n", data, r.styles.Dim.Render(fmt.Sprintf("@%d", res.Start)))
	}
}

func (r *REPL) cmdCount(text string) {
	if !r.ensureCursor() {
		return
	}
	if text == "" {
		r.fail(errors.New("usage: count <text>"))
		return
	}
	n, err := r.cursor.Count([]byte(unescape(text)), skein.SearchOptions{})
	if err != nil {
		r.fail(err)
		return
	}
	fmt.Fprintf(r.out, "%d occurrences\n", n)
}

func (r *REPL) cmdEdits(args []string) {
	if !r.ensureDocument() {
		return
	}
	var since int64
	if len(args) > 0 {
		nums, err := parseInts(args, 1, "edits [since]")
		if err != nil {
			r.fail(err)
			return
		}
		since = nums[0]
	}
	if since < 0 {
		r.fail(skein.ErrOutOfRange)
		return
	}
	recs, err := r.handle.EditsSince(skein.Version(since))
	if err != nil {
		r.fail(err)
		return
	}
	if len(recs) == 0 {
		fmt.Fprintln(r.out, r.styles.Dim.Render("no edits"))
	}
	for _, rec := range recs {
		fmt.Fprintf(r.out, "  v%-5d %-9s offset %d length %d\n", rec.Version, rec.Kind, rec.Offset, rec.Length)
	}
}

func (r *REPL) cmdPrune() {
	if !r.ensureDocument() {
		return
	}
	r.ok(fmt.Sprintf("pruned %d records", r.handle.PruneEditLog()))
}

func (r *REPL) cmdSync() {
	if !r.ensureDocument() {
		return
	}
	if err := r.handle.Sync(); err != nil {
		r.fail(err)
		return
	}
	r.ok("synced")
}

func (r *REPL) cmdCheck() {
	if !r.ensureDocument() {
		return
	}
	if err := r.handle.Check(); err != nil {
		r.fail(err)
		return
	}
	r.ok("structure ok")
}

func (r *REPL) ensureDocument() bool {
	if r.handle == nil {
		r.fail(errors.New("no document, use 'new' or 'open'"))
		return false
	}
	return true
}

func (r *REPL) ensureCursor() bool {
	if !r.ensureDocument() {
		return false
	}
	if r.cursor == nil {
		r.fail(errors.New("no cursor, use 'cursor <offset>'"))
		return false
	}
	return true
}

func (r *REPL) report(v skein.Version, err error) {
	if err != nil {
		r.fail(err)
		return
	}
	r.ok(fmt.Sprintf("version %d, length %d", v, r.handle.Len()))
}

func (r *REPL) ok(msg string) {
	fmt.Fprintln(r.out, r.styles.OK.Render(msg))
}

func (r *REPL) fail(err error) {
	msg := err.Error()
	if kind := skein.KindOf(err); kind != skein.KindOther {
		msg = fmt.Sprintf("%s [%s]", msg, kind)
	}
	fmt.Fprintln(r.out, r.styles.Error.Render("error: ")+msg)
}

// restText returns input after its first skip words and the single space
// that follows them, keeping any further whitespace.
func restText(input string, skip int) string {
	rest := input
	for range skip {
		rest = strings.TrimLeft(rest, " \t")
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			return ""
		}
		rest = rest[i:]
	}
	if rest != "" {
		rest = rest[1:]
	}
	return rest
}

func parseInts(args []string, want int, usage string) ([]int64, error) {
	if len(args) != want {
		return nil, fmt.Errorf("usage: %s", usage)
	}
	out := make([]int64, want)
	for i, arg := range args {
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", arg)
		}
		out[i] = n
	}
	return out, nil
}

var unescaper = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\\`, `\`)

func unescape(s string) string {
	return unescaper.Replace(s)
}

func printable(data []byte) string {
	var b strings.Builder
	for _, c := range data {
		if c >= 0x20 && c < 0x7f {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}
