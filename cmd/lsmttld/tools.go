package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dray-io/lsmttl/internal/config"
	"github.com/dray-io/lsmttl/internal/envelope"
	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/logging"
	"github.com/dray-io/lsmttl/internal/manifest"
	"github.com/dray-io/lsmttl/internal/module"
	"github.com/dray-io/lsmttl/internal/policycache"
	"github.com/dray-io/lsmttl/internal/sext"
)

func formatMicros(us uint64) string {
	return time.UnixMicro(int64(us)).UTC().Format(time.RFC3339Nano)
}

// decodeHex accepts plain or 0x-prefixed hex, ignoring whitespace.
func decodeHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return hex.DecodeString(s)
}

// decodeKey prints the parts of an internal key.
func decodeKey(w io.Writer, key []byte) error {
	ik, err := expiry.ParseInternalKey(key)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "User key:\t%q\n", ik.UserKey)
	fmt.Fprintf(tw, "Sequence:\t%d\n", ik.Sequence)
	fmt.Fprintf(tw, "Kind:\t%s\n", ik.Kind.Type)
	if ik.Kind.Type.HasTime() {
		fmt.Fprintf(tw, "Time:\t%s (%d)\n", formatMicros(ik.Kind.Time), ik.Kind.Time)
	}
	if typ, name, ok := sext.CollectionNamesFromKey(ik.UserKey); ok {
		fmt.Fprintf(tw, "Collection:\t%s\n", collectionLabel(typ, name))
	} else {
		fmt.Fprintf(tw, "Collection:\t-\n")
	}
	return tw.Flush()
}

// decodeValue prints the last write time of an object value.
func decodeValue(w io.Writer, value []byte) error {
	t, ok := envelope.LastWriteTime(value)
	if !ok {
		fmt.Fprintln(w, "No write time found.")
		return nil
	}
	fmt.Fprintf(w, "Last write: %s (%d)\n", formatMicros(t), t)
	return nil
}

// finalizeManifest prints the files of v that can be dropped whole. A
// negative level checks every level.
func finalizeManifest(w io.Writer, mod *module.Module, v *expiry.Version, level int, all bool, now uint64, jsonOutput bool) error {
	levels := []int{level}
	if level < 0 {
		levels = levels[:0]
		for l := 0; l < v.NumLevels(); l++ {
			levels = append(levels, l)
		}
	} else if level >= v.NumLevels() {
		return fmt.Errorf("level %d out of range, manifest has %d levels", level, v.NumLevels())
	}

	refs := []expiry.FileRef{}
	for _, l := range levels {
		found, _ := mod.OnCompactionFinalize(all, v, l, now)
		refs = append(refs, found...)
	}

	if jsonOutput {
		return writeJSON(w, refs)
	}
	if len(refs) == 0 {
		fmt.Fprintln(w, "No expired files found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tFILE")
	for _, r := range refs {
		fmt.Fprintf(tw, "%d\t%d\n", r.Level, r.Number)
	}
	return tw.Flush()
}

func runDecodeKey(args []string) {
	fs := flag.NewFlagSet("decode-key", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println(`Usage: lsmttld decode-key <hex>

Decode a hex encoded internal key and print its user key, sequence number,
record kind and collection.`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	key, err := decodeHex(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid hex: %v\n", err)
		os.Exit(1)
	}
	if err := decodeKey(os.Stdout, key); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runDecodeValue(args []string) {
	fs := flag.NewFlagSet("decode-value", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println(`Usage: lsmttld decode-value <hex|@file>

Print the last write time carried by a stored object value. Prefix a path
with @ to read the raw value from a file.`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	var value []byte
	var err error
	if arg := fs.Arg(0); strings.HasPrefix(arg, "@") {
		value, err = os.ReadFile(arg[1:])
	} else {
		value, err = decodeHex(arg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := decodeValue(os.Stdout, value); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runFinalize(args []string) {
	fs := flag.NewFlagSet("finalize", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	manifestPath := fs.String("manifest", "", "Path to a level manifest (Parquet)")
	levelFlag := fs.String("level", "all", "Level to check, or all")
	all := fs.Bool("all", false, "Report every expired file instead of the first per level")
	ttl := fs.String("ttl", "", "Override the default policy TTL (e.g. 7d, 90m, unlimited)")
	at := fs.String("now", "", "Evaluate at this RFC 3339 time instead of now")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: lsmttld finalize --manifest <file> [options]

List the files of a manifest that can be deleted without being rewritten.
Files of collections are kept since no policy authority is consulted.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "error: --manifest is required")
		fs.Usage()
		os.Exit(1)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPathNoValidate(*configPath)
	} else {
		cfg, err = config.LoadNoValidate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *ttl != "" {
		cfg.Policy.TTL = *ttl
	}
	def, err := cfg.DefaultPolicy()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid ttl: %v\n", err)
		os.Exit(1)
	}

	level, err := parseLevel(*levelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var now uint64
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid --now: %v\n", err)
			os.Exit(1)
		}
		now = uint64(t.UnixMicro())
	}

	v, err := readManifestFile(*manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	mod, err := newOfflineModule(def)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer mod.Shutdown()

	if err := finalizeManifest(os.Stdout, mod, v, level, *all, now, *jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func readManifestFile(path string) (*expiry.Version, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return manifest.Decode(f, st.Size())
}

// newOfflineModule builds a module with no policy authority: plain keys use
// def and collection keys stay unresolved.
func newOfflineModule(def expiry.ExpiryPolicy) (*module.Module, error) {
	logger := logging.New(logging.Config{Level: logging.LevelWarn})
	return module.New(module.Options{
		Default: &def,
		Cache: policycache.Config{
			Capacity:     1,
			PollInterval: time.Millisecond,
			MaxWait:      time.Millisecond,
		},
		Logger: logger,
	})
}

// parseLevel reads a level number, or "all" for every level (-1).
func parseLevel(s string) (int, error) {
	if s == "" || s == "all" {
		return -1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid level %q", s)
	}
	return n, nil
}
