// Package main provides the Champ CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/champ/pkg/champ"
	"github.com/orneryd/champ/pkg/config"
	"github.com/orneryd/champ/pkg/events"
	"github.com/orneryd/champ/pkg/index"
	"github.com/orneryd/champ/pkg/model"
	"github.com/orneryd/champ/pkg/schema"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	v := viper.New()
	rootCmd := newRootCmd(v)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "champ",
		Short: "Champ - pluggable property graph layer",
		Long: `Champ stores typed objects and relationships on a pluggable backend
and publishes a change event for every committed mutation.

Backends:
  • in-memory (default, nothing survives the process)
  • badger (embedded, one directory per graph)
  • neo4j (Bolt, graphs scoped by name inside one database)`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file (YAML)")
	pf.String("backend", "", "storage backend (in-memory, badger, neo4j)")
	pf.String("graph", "", "graph name")
	pf.String("data-dir", "", "badger data directory")
	pf.String("log-level", "", "log level (debug, info, warn, error)")

	v.SetEnvPrefix("CHAMP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range []string{"config", "backend", "graph", "data-dir", "log-level"} {
		_ = v.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Champ v%s (%s)\n", version, commit)
			fmt.Fprintf(cmd.OutOrStdout(), "Backends: %s\n", strings.Join(champ.Backends(), ", "))
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			cfg.Runtime.ApplyRuntimeMemory()
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cfg)
			if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < 1<<62 {
				fmt.Fprintf(out, "Memory limit: %s\n", config.FormatMemorySize(limit))
			} else {
				fmt.Fprintln(out, "Memory limit: unlimited")
			}
			return nil
		},
	})

	validateCmd := &cobra.Command{
		Use:   "validate-schema [schema file]",
		Short: "Check a schema file, and optionally a partition file against it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateSchema(cmd, args)
		},
	}
	validateCmd.Flags().String("partition", "", "partition file to validate against the schema")
	rootCmd.AddCommand(validateCmd)

	applyCmd := &cobra.Command{
		Use:   "apply [partition file]",
		Short: "Commit a partition file to a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, v, args)
		},
	}
	rootCmd.AddCommand(applyCmd)

	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Find objects by property value",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(cmd, v)
		},
	}
	lookupCmd.Flags().String("type", "", "object type (empty matches every type)")
	lookupCmd.Flags().String("field", "", "property name")
	lookupCmd.Flags().String("value", "", "property value (parsed as a YAML scalar)")
	lookupCmd.Flags().Bool("index", false, "declare an index on type/field before the lookup")
	_ = lookupCmd.MarkFlagRequired("field")
	rootCmd.AddCommand(lookupCmd)

	indexesCmd := &cobra.Command{
		Use:   "indexes",
		Short: "Declare indexes and show their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexes(cmd, v)
		},
	}
	indexesCmd.Flags().StringArray("declare", nil, "index as name:kind:type:field (repeatable)")
	indexesCmd.Flags().String("file", "", "YAML file with a list of index descriptors")
	rootCmd.AddCommand(indexesCmd)

	return rootCmd
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if b := v.GetString("backend"); b != "" {
		cfg.Backend.Type = b
	}
	if g := v.GetString("graph"); g != "" {
		cfg.Graph.Name = g
	}
	if d := v.GetString("data-dir"); d != "" {
		cfg.Backend.Badger.DataDir = d
	}
	if l := v.GetString("log-level"); l != "" {
		cfg.Logging.Level = l
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// session is an open API with its working graph.
type session struct {
	cfg     *config.Config
	api     *champ.API
	graph   *champ.Graph
	logger  *slog.Logger
	closers []io.Closer
}

func openSession(v *viper.Viper, out io.Writer) (*session, error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.ApplyRuntimeMemory()

	logger, logCloser, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	var pub events.Publisher
	switch cfg.Events.Sink {
	case "stdout":
		pub = events.NewWriterPublisher(out)
	case "file":
		f, err := os.OpenFile(cfg.Events.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("opening events file: %w", err)
		}
		s.closers = append(s.closers, f)
		pub = events.NewWriterPublisher(f)
	}

	var sch *schema.Schema
	if cfg.Graph.SchemaFile != "" {
		if sch, err = schema.LoadFile(cfg.Graph.SchemaFile); err != nil {
			s.close()
			return nil, err
		}
	}

	pipeline := cfg.Events.PipelineOptions()
	pipeline.Logger = logger
	s.api, err = champ.NewInstance(cfg.Backend.Type, cfg.Backend.Properties(), champ.Options{
		Logger:      logger,
		Publisher:   pub,
		Pipeline:    pipeline,
		Schema:      sch,
		LockStripes: cfg.Graph.LockStripes,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	if s.graph, err = s.api.Graph(cfg.Graph.Name); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if s.api != nil {
		if err := s.api.Shutdown(); err != nil {
			s.logger.Error("shutdown failed", "error", err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i].Close()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runValidateSchema(cmd *cobra.Command, args []string) error {
	sch, err := schema.LoadFile(args[0])
	if err != nil {
		return err
	}
	if err := sch.Check(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ %s: %d object types, %d relationship types\n",
		args[0], len(sch.Objects), len(sch.Relationships))

	partitionPath, _ := cmd.Flags().GetString("partition")
	if partitionPath == "" {
		return nil
	}
	p, err := loadPartitionFile(partitionPath)
	if err != nil {
		return err
	}
	// Keyed endpoints are not in the file, so their type is unknown offline.
	err = sch.ValidatePartition(p, func(ref model.ObjectRef) (string, error) {
		return "", fmt.Errorf("%w: endpoint %s is not defined in %s", champ.ErrNotFound, ref, partitionPath)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ %s: %d mutations valid\n", partitionPath, p.Len())
	return nil
}

func runApply(cmd *cobra.Command, v *viper.Viper, args []string) error {
	p, err := loadPartitionFile(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	s, err := openSession(v, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.close()

	res, err := s.graph.Commit(ctx, p)
	if err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	if res.PublishErr != nil {
		s.logger.Warn("committed but events were not delivered", "error", res.PublishErr)
	}

	w := tabwriter.NewWriter(cmd.ErrOrStderr(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "transaction\t%s\n", res.TransactionID)
	for _, ev := range res.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.Operation, ev.EntityKind, ev.EntityType(), ev.Key())
	}
	return w.Flush()
}

func runLookup(cmd *cobra.Command, v *viper.Viper) error {
	typ, _ := cmd.Flags().GetString("type")
	field, _ := cmd.Flags().GetString("field")
	raw, _ := cmd.Flags().GetString("value")
	useIndex, _ := cmd.Flags().GetBool("index")

	value, err := parseScalar(raw)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	s, err := openSession(v, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.close()

	if useIndex {
		desc := index.Descriptor{
			Name:  fmt.Sprintf("cli_%s_%s", typ, field),
			Kind:  model.KindObject,
			Type:  typ,
			Field: field,
		}
		if err := s.graph.DeclareIndex(desc); err != nil {
			return err
		}
		if err := s.graph.WaitIndex(ctx, desc.Name); err != nil {
			return err
		}
	}

	objs, err := s.graph.QueryObjects(ctx, typ, field, value)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, obj := range objs {
		if err := enc.Encode(obj); err != nil {
			return err
		}
	}
	s.logger.Debug("lookup finished", "type", typ, "field", field, "matches", len(objs))
	return nil
}

// parseScalar turns a flag value into a string, integer, float or boolean
// the same way a YAML document would.
func parseScalar(raw string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw, nil
	}
	switch v.(type) {
	case string, int, float64, bool:
		return v, nil
	}
	return nil, fmt.Errorf("value %q is not a scalar", raw)
}

func runIndexes(cmd *cobra.Command, v *viper.Viper) error {
	decls, _ := cmd.Flags().GetStringArray("declare")
	file, _ := cmd.Flags().GetString("file")

	var descs []index.Descriptor
	for _, decl := range decls {
		d, err := parseDescriptor(decl)
		if err != nil {
			return err
		}
		descs = append(descs, d)
	}
	if file != "" {
		fromFile, err := loadDescriptors(file)
		if err != nil {
			return err
		}
		descs = append(descs, fromFile...)
	}

	ctx, cancel := signalContext()
	defer cancel()
	s, err := openSession(v, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer s.close()

	for _, d := range descs {
		if err := s.graph.DeclareIndex(d); err != nil {
			return err
		}
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, d := range descs {
		eg.Go(func() error {
			return s.graph.WaitIndex(egCtx, d.Name)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tTYPE\tFIELD\tSTATE\tENTRIES\tVALUES")
	for _, info := range s.graph.Indexes() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			info.Name, info.Kind, info.Type, info.Field, info.State, info.Entries, info.DistinctValues)
	}
	return w.Flush()
}

// parseDescriptor reads name:kind:type:field. kind is "object" or
// "relationship"; an empty type covers every type.
func parseDescriptor(decl string) (index.Descriptor, error) {
	parts := strings.Split(decl, ":")
	if len(parts) != 4 {
		return index.Descriptor{}, fmt.Errorf("index %q: want name:kind:type:field", decl)
	}
	d := index.Descriptor{
		Name:  parts[0],
		Kind:  model.EntityKind(strings.ToUpper(parts[1])),
		Type:  parts[2],
		Field: parts[3],
	}
	if err := d.Validate(); err != nil {
		return index.Descriptor{}, err
	}
	return d, nil
}

func loadDescriptors(path string) ([]index.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading indexes %s: %w", path, err)
	}
	var descs []index.Descriptor
	if err := yaml.Unmarshal(data, &descs); err != nil {
		return nil, fmt.Errorf("parsing indexes %s: %w", path, err)
	}
	for i := range descs {
		descs[i].Kind = model.EntityKind(strings.ToUpper(string(descs[i].Kind)))
		if err := descs[i].Validate(); err != nil {
			return nil, fmt.Errorf("%s: index %d: %w", path, i, err)
		}
	}
	return descs, nil
}
