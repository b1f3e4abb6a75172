package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/genhat/pkg/models"
)

var ModelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the local gguf model catalog",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gguf model files in the models directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := viper.GetString("models-dir")
		if dir == "" {
			return errors.New("no models directory configured, pass --models-dir")
		}

		catalog, err := models.List(dir)
		if err != nil {
			return err
		}

		selected := models.ResolveDefault(catalog, viper.GetString("model"))
		for _, m := range catalog {
			marker := " "
			if m.Name == selected {
				marker = "*"
			}
			fmt.Printf("%s %s (%d bytes)\n", marker, m.Name, m.Size)
		}
		if len(catalog) == 0 {
			fmt.Printf("no gguf files in %s, falling back to %s\n", dir, selected)
		}
		return nil
	},
}

var modelsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the models directory and print catalog changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := viper.GetString("models-dir")
		if dir == "" {
			return errors.New("no models directory configured, pass --models-dir")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		w := models.NewWatcher(dir)
		go func() {
			for catalog := range w.Updates() {
				fmt.Printf("%d models:\n", len(catalog))
				for _, m := range catalog {
					fmt.Printf("  %s\n", m.Name)
				}
			}
		}()

		err := w.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	ModelsCmd.AddCommand(modelsListCmd)
	ModelsCmd.AddCommand(modelsWatchCmd)
}
