package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"lenscribe/internal/recognition"
)

func recognizeCmd() *cobra.Command {
	var pretty bool

	cmd := &cobra.Command{
		Use:   "recognize FILE",
		Short: "Recognize and correct the text in one image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.single.Process(cmd.Context(), recognition.Image{
				Data: data,
				MIME: http.DetectContentType(data),
			})
			if err != nil {
				return fmt.Errorf("recognition failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if pretty {
				_, err = fmt.Fprintln(out, renderDisplay(result, 80))
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().BoolVar(&pretty, "pretty", false, "render for the terminal instead of JSON")
	return cmd
}
