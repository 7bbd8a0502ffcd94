package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/weightspace/w2w/decoder"
	"github.com/weightspace/w2w/envconfig"
	"github.com/weightspace/w2w/fs/safetensors"
	"github.com/weightspace/w2w/layout"
	"github.com/weightspace/w2w/logutil"
	"github.com/weightspace/w2w/lora"
	"github.com/weightspace/w2w/ml"
	"github.com/weightspace/w2w/ml/nn"

	_ "github.com/weightspace/w2w/ml/backend"
)

// latentName is the tensor a latent file stores the latent under.
const latentName = "latent"

func LayoutHandler(cmd *cobra.Command, args []string) error {
	method, _ := cmd.Flags().GetString("method")
	lenient, _ := cmd.Flags().GetBool("lenient")

	m, err := layout.ParseMethod(method)
	if err != nil {
		return err
	}

	decl, err := layout.Load(args[0])
	if err != nil {
		return err
	}

	l, err := layout.Resolve(decl, m, layout.WithLenient(lenient))
	if err != nil {
		return err
	}

	return showLayout(l, cmd.OutOrStdout())
}

func showLayout(l *layout.Layout, w io.Writer) error {
	data := make([][]string, 0, len(l.Entries)+len(l.Skipped))
	for _, e := range l.Entries {
		data = append(data, []string{e.Path, e.A.String(), e.B.String(), strconv.Itoa(e.A.Len() + e.B.Len())})
	}

	for _, s := range l.Skipped {
		data = append(data, []string{s.Path, "-", "-", s.Reason})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"MODULE", "A", "B", "PARAMETERS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	_, err := fmt.Fprintf(w, "\n%d modules, %d skipped, %d parameters (%s)\n", len(l.Entries), len(l.Skipped), l.Total, l.Method)
	return err
}

func ExportHandler(cmd *cobra.Command, args []string) error {
	layoutPath, _ := cmd.Flags().GetString("layout")
	decoderPaths, _ := cmd.Flags().GetStringSlice("decoder")
	latentPath, _ := cmd.Flags().GetString("latent")
	output, _ := cmd.Flags().GetString("output")
	method, _ := cmd.Flags().GetString("method")
	rank, _ := cmd.Flags().GetUint("rank")
	alpha, _ := cmd.Flags().GetFloat32("alpha")
	dtypeName, _ := cmd.Flags().GetString("dtype")
	lenient, _ := cmd.Flags().GetBool("lenient")

	dtype, err := ml.ParseDType(dtypeName)
	if err != nil {
		return err
	}

	decl, err := layout.Load(layoutPath)
	if err != nil {
		return err
	}

	df, err := openSafetensors(decoderPaths...)
	if err != nil {
		return err
	}

	dec, err := decoder.LoadMLP(df)
	if err != nil {
		return err
	}

	lf, err := openSafetensors(latentPath)
	if err != nil {
		return err
	}

	z, err := lf.Floats(latentName)
	if err != nil {
		return err
	}

	m, err := lora.New(newDetached(), dec, decl,
		lora.WithMethod(method),
		lora.WithRank(int(rank)),
		lora.WithAlpha(alpha),
		lora.WithDType(dtype),
		lora.WithLenientLayout(lenient),
	)
	if err != nil {
		return err
	}

	if err := m.SetLatent(z); err != nil {
		return err
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := m.Export(cmd.Context(), f); err != nil {
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	slog.Info("exported adapters", "path", output, "modules", len(m.Adapters()), "parameters", m.Layout().Total)
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d adapters (%d parameters) to %s\n", len(m.Adapters()), m.Layout().Total, output)
	return nil
}

// openSafetensors opens shards that share a directory.
func openSafetensors(paths ...string) (*safetensors.File, error) {
	if len(paths) == 0 {
		return nil, errors.New("no safetensors files")
	}

	dir := filepath.Dir(paths[0])
	names := make([]string, len(paths))
	for i, p := range paths {
		if filepath.Dir(p) != dir {
			return nil, fmt.Errorf("%s: shards must share a directory with %s", p, paths[0])
		}

		names[i] = filepath.Base(p)
	}

	return safetensors.Open(os.DirFS(dir), names...)
}

// detached stands in for a backbone when only the adapter factors are
// needed. Every path resolves to a module whose forward is the identity.
type detached struct {
	children map[string]*detached
	forward  nn.ForwardFunc
}

func newDetached() *detached {
	return &detached{
		children: make(map[string]*detached),
		forward:  func(_ ml.Context, t ml.Tensor) ml.Tensor { return t },
	}
}

func (d *detached) Child(name string) (any, bool) {
	c, ok := d.children[name]
	if !ok {
		c = newDetached()
		d.children[name] = c
	}

	return c, true
}

func (d *detached) ForwardFunc() nn.ForwardFunc      { return d.forward }
func (d *detached) SetForwardFunc(fn nn.ForwardFunc) { d.forward = fn }

func EnvHandler(cmd *cobra.Command, _ []string) error {
	vars := envconfig.AsMap()
	values := envconfig.Values()

	data := make([][]string, 0, len(vars))
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		data = append(data, []string{vars[k].Name, values[k], vars[k].Description})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "w2w",
		Short: "Latent-decoded low-rank adapters",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			logutil.SetDefault(cmd.ErrOrStderr(), envconfig.LogLevel())
		},
	}

	cobra.EnableCommandSorting = false

	layoutCmd := &cobra.Command{
		Use:   "layout FILE",
		Short: "Resolve a declared layout and print the parameter ranges",
		Args:  cobra.ExactArgs(1),
		RunE:  LayoutHandler,
	}

	layoutCmd.Flags().String("method", envconfig.Method(), "Training method selecting adapter targets")
	layoutCmd.Flags().Bool("lenient", envconfig.LenientLayout(), "Skip malformed layout groups instead of failing")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Decode a latent and write the adapter factors as safetensors",
		Args:  cobra.NoArgs,
		RunE:  ExportHandler,
	}

	exportCmd.Flags().String("layout", "", "Declared layout (.pt or .json)")
	exportCmd.Flags().StringSlice("decoder", nil, "Decoder safetensors shards")
	exportCmd.Flags().String("latent", "", "Safetensors file holding the \""+latentName+"\" tensor")
	exportCmd.Flags().StringP("output", "o", "adapter.safetensors", "Output file")
	exportCmd.Flags().String("method", envconfig.Method(), "Training method selecting adapter targets")
	exportCmd.Flags().Uint("rank", envconfig.Rank(), "Adapter rank")
	exportCmd.Flags().Float32("alpha", envconfig.Alpha(), "Adapter alpha, 0 uses the rank")
	exportCmd.Flags().String("dtype", envconfig.DType(), "Precision of the written factors: f32, f16 or bf16")
	exportCmd.Flags().Bool("lenient", envconfig.LenientLayout(), "Skip malformed layout groups instead of failing")
	for _, name := range []string{"layout", "decoder", "latent"} {
		_ = exportCmd.MarkFlagRequired(name)
	}

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Print the environment variables w2w reads",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	rootCmd.AddCommand(
		layoutCmd,
		exportCmd,
		envCmd,
	)

	return rootCmd
}
