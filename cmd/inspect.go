package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facemask/internal/gfx"
	"github.com/andresmejia3/facemask/internal/mask"
	"github.com/andresmejia3/facemask/internal/utils"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <mask.json>",
	Short: "Decode a mask bundle and list its textures and meshes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runInspect(args[0])
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(path string) error {
	f, err := os.Open(path)
	if err != nil {
		utils.ShowError("Failed to open mask bundle", err, nil)
		return err
	}
	defer f.Close()

	b, err := mask.DecodeBundle(f)
	if err != nil {
		utils.ShowError("Invalid mask bundle", err, nil)
		return err
	}

	fmt.Printf("🎭 %s\n\n", b.Name)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TEXTURE\tSIZE\tFORMAT\tMIPS\tBYTES")
	fmt.Fprintln(w, "-------\t----\t------\t----\t-----")
	for _, img := range b.Images {
		total := 0
		for _, m := range img.Mips {
			total += len(m)
		}
		fmt.Fprintf(w, "%s\t%dx%d\t%s\t%d\t%d\n", img.Name, img.Width, img.Height, gfx.FormatName(img.Format), len(img.Mips), total)
	}
	w.Flush()

	if len(b.Meshes) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "MESH\tTEXTURE\tVERTICES\tTRIANGLES")
		fmt.Fprintln(w, "----\t-------\t--------\t---------")
		for _, m := range b.Meshes {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", m.Name, m.Texture, len(m.Vertices), len(m.Indices)/3)
		}
		w.Flush()
	}

	if !b.Morph.IsEmpty() {
		fmt.Printf("\n🧬 Morph deltas: %d\n", len(b.Morph.Deltas))
	}
	return nil
}
