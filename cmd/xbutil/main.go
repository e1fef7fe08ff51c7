package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slfx77/fallout-xbox-360-utils/carve"
	"github.com/slfx77/fallout-xbox-360-utils/esm"
	"github.com/slfx77/fallout-xbox-360-utils/log"
)

var (
	verbose     bool
	outputDir   string
	formatsCSV  string
	perTypeCap  int
	formatsFile string
	schemaFile  string
)

func prettyPrint(v interface{}) string {
	buf, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, buf, "", "\t"); err != nil {
		return string(buf)
	}
	return out.String()
}

func newLogger() *log.Helper {
	level := log.LevelWarn
	if verbose {
		level = log.LevelDebug
	}
	return log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(level)))
}

func runCarve(cmd *cobra.Command, args []string) error {
	dumpPath := args[0]
	logger := newLogger()

	registry := carve.DefaultRegistry()
	if formatsFile != "" {
		data, err := os.ReadFile(formatsFile)
		if err != nil {
			return err
		}
		if err := registry.LoadOverrides(data); err != nil {
			return err
		}
	}

	var formats []string
	if formatsCSV != "" {
		formats = strings.Split(formatsCSV, ",")
	}

	engine := carve.NewEngine(registry, logger)
	opts := carve.Options{
		OutputDir:  outputDir,
		Formats:    formats,
		PerTypeCap: perTypeCap,
		Verbose:    verbose,
	}

	stats, err := engine.Run(context.Background(), dumpPath, opts)
	if err != nil {
		return err
	}
	fmt.Println(prettyPrint(stats))
	return nil
}

func runConvertESM(cmd *cobra.Command, args []string) error {
	inPath, outPath := args[0], args[1]
	logger := newLogger()

	src, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", inPath, err)
	}

	idx, bigEndian, scanStats, err := esm.Scan(src, logger)
	if err != nil {
		return fmt.Errorf("scan %s: %w", inPath, err)
	}
	if verbose {
		fmt.Println(prettyPrint(scanStats))
	}

	schema := esm.DefaultSchema()
	if schemaFile != "" {
		data, err := os.ReadFile(schemaFile)
		if err != nil {
			return err
		}
		loaded, err := esm.LoadSchema(data)
		if err != nil {
			return err
		}
		schema = loaded
	}

	transcoder := esm.NewTranscoder(idx, src, bigEndian, !bigEndian, schema, logger)
	out, stats, err := transcoder.Run(context.Background())
	if err != nil {
		return fmt.Errorf("transcode %s: %w", inPath, err)
	}

	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Println(prettyPrint(stats))
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "xbutil",
		Short: "Xbox 360 memory-dump carver and ESM transcoder",
		Long:  "xbutil carves known file formats out of Xbox 360 memory dumps and converts Creation-Engine-style master data files between source and target byte order.",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("xbutil 0.1.0")
		},
	}

	carveCmd := &cobra.Command{
		Use:   "carve <dump>",
		Short: "Carve known file formats out of a memory dump",
		Args:  cobra.ExactArgs(1),
		RunE:  runCarve,
	}
	carveCmd.Flags().StringVarP(&outputDir, "output", "o", ".", "output directory")
	carveCmd.Flags().StringVar(&formatsCSV, "types", "", "comma-separated format id allow-list")
	carveCmd.Flags().IntVar(&perTypeCap, "cap", 0, "maximum files written per format (0 = unlimited)")
	carveCmd.Flags().StringVar(&formatsFile, "formats", "", "path to a format-registry override TOML file")

	convertCmd := &cobra.Command{
		Use:   "convert-esm <in> <out>",
		Short: "Convert a master data file between source and target byte order",
		Args:  cobra.ExactArgs(2),
		RunE:  runConvertESM,
	}
	convertCmd.Flags().StringVar(&schemaFile, "schema", "", "path to a field-schema override TOML file")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose per-occurrence diagnostics")
	rootCmd.AddCommand(versionCmd, carveCmd, convertCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
