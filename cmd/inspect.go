package cmd

import (
	"fmt"
	"runtime"

	"dirpull/cache"
	"dirpull/registry"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	showConfig  bool
	inspectArch string
)

var inspectCmd = &cobra.Command{
	Use:     "inspect",
	Aliases: []string{"i"},
	Short:   "print the raw manifest or config blob for image references",
	Example: `
dirpull inspect alpine:latest

dirpull i --config myorg/app:1.0

dirpull inspect nginx:alpine gcr.io/google_containers/pause-amd64:3.1
`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			_ = cmd.Help()
			return
		}
		insp := registry.NewInspector(inspectArch, false)
		c := cache.New(cacheDir)
		for _, name := range args {
			img, err := registry.ParseImage(name)
			if err != nil {
				log.Fatalf("parse %s: %v", name, err)
			}
			mode, get := "raw", insp.RawManifest
			if showConfig {
				mode, get = "config", insp.Config
			}
			key := fmt.Sprintf("inspect|%s|%s|%s", mode, inspectArch, img.Ref())
			b, err := c.Cached(key, cacheTTL, func() ([]byte, error) {
				return get(img.Ref())
			})
			if err != nil {
				log.Fatalf("inspect %s: %v", name, err)
			}
			fmt.Println(string(b))
		}
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&showConfig, "config", false, "print the image config blob instead of the manifest")
	inspectCmd.Flags().StringVarP(&inspectArch, "arch", "a", runtime.GOARCH, "target architecture")
}
