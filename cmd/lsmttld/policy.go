package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dray-io/lsmttl/internal/collection"
	"github.com/dray-io/lsmttl/internal/config"
	"github.com/dray-io/lsmttl/internal/expiry"
	"github.com/dray-io/lsmttl/internal/logging"
	"github.com/dray-io/lsmttl/internal/metadata"
	"github.com/dray-io/lsmttl/internal/metadata/oxia"
)

// AdminOptions contains configuration for policy commands.
type AdminOptions struct {
	Config      *config.Config
	Logger      *logging.Logger
	MetaStore   metadata.MetadataStore
	Collections *collection.Store
}

// defaultPolicy returns the configured default, or the built-in one when
// the config's policy section is unusable.
func (o *AdminOptions) defaultPolicy() expiry.ExpiryPolicy {
	if o.Config == nil {
		return expiry.DefaultPolicy()
	}
	p, err := o.Config.DefaultPolicy()
	if err != nil {
		return expiry.DefaultPolicy()
	}
	return p
}

func runPolicy(args []string) {
	if len(args) < 1 {
		printPolicyUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "get":
		runPolicyGet(args[1:])
	case "set":
		runPolicySet(args[1:])
	case "delete":
		runPolicyDelete(args[1:])
	case "list":
		runPolicyList(args[1:])
	case "apply":
		runPolicyApply(args[1:])
	case "default":
		runPolicyDefault(args[1:])
	case "help", "-h", "--help":
		printPolicyUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown policy command: %s\n\n", subcommand)
		printPolicyUsage()
		os.Exit(1)
	}
}

func printPolicyUsage() {
	fmt.Println(`Usage: lsmttld policy <command> [options]

Collection expiry policy management.

Commands:
  get        Show a collection's properties and effective policy
  set        Set properties on a collection (key=value ...)
  delete     Delete a collection's properties
  list       List every collection with stored properties
  apply      Apply collection properties from a YAML file
  default    Show, set or delete the stored default policy

Collections are named [type/]name.

Run 'lsmttld policy <command> --help' for more information.`)
}

// parseCollectionName splits "[type/]name".
func parseCollectionName(s string) (typ, name string, err error) {
	if s == "" {
		return "", "", errors.New("collection name required")
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		typ, name = s[:i], s[i+1:]
		if typ == "" || name == "" {
			return "", "", fmt.Errorf("invalid collection %q, want [type/]name", s)
		}
		return typ, name, nil
	}
	return "", s, nil
}

// parseProperties parses key=value arguments.
func parseProperties(args []string) (map[string]string, error) {
	props := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property %q, want key=value", arg)
		}
		props[key] = value
	}
	return props, nil
}

func collectionLabel(typ, name string) string {
	if typ == "" {
		return name
	}
	return typ + "/" + name
}

func describePolicy(p expiry.ExpiryPolicy) string {
	switch {
	case !p.Enabled:
		return "disabled"
	case p.Unlimited:
		return "unlimited"
	case p.TTLMinutes == 0:
		return "no ttl"
	}
	ttl := time.Duration(p.TTLMinutes) * time.Minute
	if p.WholeFileExpiry {
		return ttl.String() + " (whole files)"
	}
	return ttl.String()
}

type policyView struct {
	Collection string              `json:"collection"`
	Properties map[string]string   `json:"properties,omitempty"`
	Effective  string              `json:"effective"`
	Policy     expiry.ExpiryPolicy `json:"policy"`
	UpdatedAt  string              `json:"updatedAt,omitempty"`
}

func viewOf(rec *collection.Record, def expiry.ExpiryPolicy) (policyView, error) {
	p, err := rec.Policy(def)
	if err != nil {
		return policyView{}, err
	}
	v := policyView{
		Collection: collectionLabel(rec.Type, rec.Name),
		Properties: rec.Properties,
		Effective:  describePolicy(p),
		Policy:     p,
	}
	if rec.UpdatedAtMs > 0 {
		v.UpdatedAt = time.UnixMilli(rec.UpdatedAtMs).UTC().Format(time.RFC3339)
	}
	return v, nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// policyGet prints one collection. A collection without a record is shown
// with the default policy it falls back to.
func policyGet(ctx context.Context, w io.Writer, opts *AdminOptions, typ, name string, jsonOutput bool) error {
	def := opts.defaultPolicy()
	rec, err := opts.Collections.GetByName(ctx, typ, name)
	if errors.Is(err, collection.ErrCollectionNotFound) {
		rec = &collection.Record{Type: typ, Name: name}
	} else if err != nil {
		return err
	}

	view, err := viewOf(rec, def)
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(w, view)
	}

	fmt.Fprintf(w, "Collection: %s\n", view.Collection)
	fmt.Fprintf(w, "Effective:  %s\n", view.Effective)
	if view.UpdatedAt != "" {
		fmt.Fprintf(w, "Updated:    %s\n", view.UpdatedAt)
	}
	if len(rec.Properties) == 0 {
		fmt.Fprintln(w, "Properties: (none, using default)")
		return nil
	}
	fmt.Fprintln(w, "Properties:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(rec.Properties) {
		fmt.Fprintf(tw, "  %s\t%s\n", k, rec.Properties[k])
	}
	return tw.Flush()
}

func policySet(ctx context.Context, w io.Writer, opts *AdminOptions, typ, name string, props map[string]string) error {
	rec, err := opts.Collections.Put(ctx, collection.PutRequest{
		Type:       typ,
		Name:       name,
		Properties: props,
		NowMs:      time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	p, err := rec.Policy(opts.defaultPolicy())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Collection %q updated: %s\n", collectionLabel(typ, name), describePolicy(p))
	return nil
}

func policyDelete(ctx context.Context, w io.Writer, opts *AdminOptions, typ, name string) error {
	if err := opts.Collections.Delete(ctx, typ, name); err != nil {
		return err
	}
	fmt.Fprintf(w, "Collection %q deleted.\n", collectionLabel(typ, name))
	return nil
}

func policyList(ctx context.Context, w io.Writer, opts *AdminOptions, jsonOutput bool) error {
	records, err := opts.Collections.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool {
		return collectionLabel(records[i].Type, records[i].Name) < collectionLabel(records[j].Type, records[j].Name)
	})

	def := opts.defaultPolicy()
	views := make([]policyView, 0, len(records))
	for i := range records {
		view, err := viewOf(&records[i], def)
		if err != nil {
			view = policyView{
				Collection: collectionLabel(records[i].Type, records[i].Name),
				Properties: records[i].Properties,
				Effective:  "invalid: " + err.Error(),
			}
		}
		views = append(views, view)
	}

	if jsonOutput {
		return writeJSON(w, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(w, "No collections found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tEFFECTIVE\tPROPERTIES")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", v.Collection, v.Effective, formatProperties(v.Properties))
	}
	return tw.Flush()
}

// policyApply stores every record in the YAML document read from r. The
// document is validated before anything is written.
func policyApply(ctx context.Context, w io.Writer, opts *AdminOptions, r io.Reader) error {
	records, err := collection.DecodeRecords(r)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No collections to apply.")
		return nil
	}
	now := time.Now().UnixMilli()
	for _, rec := range records {
		if _, err := opts.Collections.Put(ctx, collection.PutRequest{
			Type:       rec.Type,
			Name:       rec.Name,
			Properties: rec.Properties,
			NowMs:      now,
		}); err != nil {
			return fmt.Errorf("apply %s: %w", collectionLabel(rec.Type, rec.Name), err)
		}
		fmt.Fprintf(w, "Applied %s\n", collectionLabel(rec.Type, rec.Name))
	}
	return nil
}

func policyDefaultGet(ctx context.Context, w io.Writer, opts *AdminOptions, jsonOutput bool) error {
	configured := opts.defaultPolicy()
	props, ok, err := opts.Collections.GetDefault(ctx)
	if err != nil {
		return err
	}
	effective := configured
	if ok {
		if effective, err = collection.ToPolicy(props, configured); err != nil {
			return err
		}
	}

	if jsonOutput {
		return writeJSON(w, map[string]any{
			"stored":     ok,
			"properties": props,
			"policy":     effective,
			"effective":  describePolicy(effective),
		})
	}
	if !ok {
		fmt.Fprintf(w, "No stored default. Configured default: %s\n", describePolicy(configured))
		return nil
	}
	fmt.Fprintf(w, "Stored default: %s\n", describePolicy(effective))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(props) {
		fmt.Fprintf(tw, "  %s\t%s\n", k, props[k])
	}
	return tw.Flush()
}

func formatProperties(props map[string]string) string {
	if len(props) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(props))
	for _, k := range sortedKeys(props) {
		parts = append(parts, k+"="+props[k])
	}
	return strings.Join(parts, ",")
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Commands
// ============================================================================

func newPolicyFlagSet(name, usage string) (*flag.FlagSet, *string, *bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	fs.Usage = func() {
		fmt.Println(usage + "\n\nOptions:")
		fs.PrintDefaults()
	}
	return fs, configPath, jsonOutput
}

// withAdmin connects to the metadata store, runs fn and exits on error.
func withAdmin(configPath string, fn func(ctx context.Context, opts *AdminOptions) error) {
	opts, cleanup, err := initAdminOpts(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := fn(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cleanup()
		os.Exit(1)
	}
}

func collectionArg(fs *flag.FlagSet) (string, string) {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "error: collection name required")
		fs.Usage()
		os.Exit(1)
	}
	typ, name, err := parseCollectionName(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return typ, name
}

func runPolicyGet(args []string) {
	fs, configPath, jsonOutput := newPolicyFlagSet("policy get", `Usage: lsmttld policy get [options] <[type/]name>

Show a collection's stored properties and the policy they resolve to.`)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	typ, name := collectionArg(fs)
	withAdmin(*configPath, func(ctx context.Context, opts *AdminOptions) error {
		return policyGet(ctx, os.Stdout, opts, typ, name, *jsonOutput)
	})
}

func runPolicySet(args []string) {
	fs, configPath, _ := newPolicyFlagSet("policy set", `Usage: lsmttld policy set [options] <[type/]name> key=value [key=value ...]

Set expiry properties on a collection. Supported keys: `+strings.Join(collection.SupportedProperties(), ", ")+`.`)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	typ, name := collectionArg(fs)
	props, err := parseProperties(fs.Args()[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(props) == 0 {
		fmt.Fprintln(os.Stderr, "error: at least one key=value property required")
		os.Exit(1)
	}
	withAdmin(*configPath, func(ctx context.Context, opts *AdminOptions) error {
		return policySet(ctx, os.Stdout, opts, typ, name, props)
	})
}

func runPolicyDelete(args []string) {
	fs, configPath, _ := newPolicyFlagSet("policy delete", `Usage: lsmttld policy delete [options] <[type/]name>

Delete a collection's properties. The collection falls back to the default
policy.`)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	typ, name := collectionArg(fs)
	withAdmin(*configPath, func(ctx context.Context, opts *AdminOptions) error {
		return policyDelete(ctx, os.Stdout, opts, typ, name)
	})
}

func runPolicyList(args []string) {
	fs, configPath, jsonOutput := newPolicyFlagSet("policy list", `Usage: lsmttld policy list [options]

List every collection with stored properties.`)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	withAdmin(*configPath, func(ctx context.Context, opts *AdminOptions) error {
		return policyList(ctx, os.Stdout, opts, *jsonOutput)
	})
}

func runPolicyApply(args []string) {
	fs, configPath, _ := newPolicyFlagSet("policy apply", `Usage: lsmttld policy apply [options] -f <file>

Apply collection properties from a YAML file of the form:

  collections:
    - name: events
      properties:
        expiry.ttl: 7d
    - type: timeseries
      name: cpu
      properties:
        expiry.whole.files: "false"`)
	file := fs.String("f", "", "YAML file to apply (- for stdin)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "error: -f is required")
		fs.Usage()
		os.Exit(1)
	}

	var r io.Reader = os.Stdin
	if *file != "-" {
		f, err := os.Open(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}
	withAdmin(*configPath, func(ctx context.Context, opts *AdminOptions) error {
		return policyApply(ctx, os.Stdout, opts, r)
	})
}

func runPolicyDefault(args []string) {
	if len(args) < 1 {
		args = []string{"get"}
	}
	switch args[0] {
	case "get":
		fs, configPath, jsonOutput := newPolicyFlagSet("policy default get", `Usage: lsmttld policy default get [options]

Show the stored default policy override.`)
		if err := fs.Parse(args[1:]); err != nil {
			os.Exit(1)
		}
		withAdmin(*configPath, func(ctx context.Context, opts *AdminOptions) error {
			return policyDefaultGet(ctx, os.Stdout, opts, *jsonOutput)
		})
	case "set":
		fs, configPath, _ := newPolicyFlagSet("policy default set", `Usage: lsmttld policy default set [options] key=value [key=value ...]

Store a default policy that overrides the configured one for every
collection without its own properties.`)
		if err := fs.Parse(args[1:]); err != nil {
			os.Exit(1)
		}
		props, err := parseProperties(fs.Args())
		if err != nil || len(props) == 0 {
			fmt.Fprintln(os.Stderr, "error: at least one key=value property required")
			os.Exit(1)
		}
		withAdmin(*configPath, func(ctx context.Context, opts *AdminOptions) error {
			if err := opts.Collections.PutDefault(ctx, props); err != nil {
				return err
			}
			fmt.Println("Default policy stored.")
			return nil
		})
	case "delete":
		fs, configPath, _ := newPolicyFlagSet("policy default delete", `Usage: lsmttld policy default delete [options]

Remove the stored default policy. The configured default applies again.`)
		if err := fs.Parse(args[1:]); err != nil {
			os.Exit(1)
		}
		withAdmin(*configPath, func(ctx context.Context, opts *AdminOptions) error {
			if err := opts.Collections.DeleteDefault(ctx); err != nil {
				return err
			}
			fmt.Println("Default policy deleted.")
			return nil
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown policy default command: %s\n", args[0])
		os.Exit(1)
	}
}

// initAdminOpts loads config without validation and connects to the
// metadata store.
func initAdminOpts(configPath string) (*AdminOptions, func(), error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPathNoValidate(configPath)
	} else {
		cfg, err = config.LoadNoValidate()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	var metaStore metadata.MetadataStore
	if cfg.Metadata.OxiaEndpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		namespace := cfg.Metadata.Namespace
		if namespace == "" {
			namespace = "lsmttl"
		}

		oxiaStore, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.Metadata.OxiaEndpoint,
			Namespace:      namespace,
			RequestTimeout: 30 * time.Second,
			SessionTimeout: 15 * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Oxia at %s: %w", cfg.Metadata.OxiaEndpoint, err)
		}
		metaStore = oxiaStore
	} else {
		// Without an endpoint nothing persists; useful for trying commands.
		metaStore = metadata.NewMockStore()
	}

	cleanup := func() {
		metaStore.Close()
	}

	return &AdminOptions{
		Config:      cfg,
		Logger:      logging.DefaultLogger(),
		MetaStore:   metaStore,
		Collections: collection.NewStore(metaStore),
	}, cleanup, nil
}
