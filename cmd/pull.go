package cmd

import (
	"os"
	"runtime"
	"strings"

	"dirpull/cache"
	"dirpull/fetch"
	"dirpull/pull"
	"dirpull/registry"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	outDir      string
	arch        string
	connections int
	minSplit    int64
	regHost     string
)

var pullCmd = &cobra.Command{
	Use:     "pull",
	Aliases: []string{"p"},
	Short:   "pull an image into a dir-transport directory",
	Long: `
pull one image without a docker daemon. Layer blobs are fetched with
resumable segmented downloads, so a failed run can simply be re-run and
it continues where the last one stopped.`,
	Example: `
# pull to ./alpine@latest
dirpull pull alpine:latest

# pull an arm64 image to a chosen directory with 8 connections
dirpull pull -a arm64 -c 8 -o ./out myorg/app:1.0

# pull by digest
dirpull pull alpine@sha256:ae443bd9609b9ef06d21d6caab59505cb78f24a725cc24716d4427e36aedabf2
`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Help()
			os.Exit(1)
		}
		name := args[0]
		if outDir == "" {
			outDir = strings.Replace(strings.ReplaceAll(name, "/", "_"), ":", "@", 1)
		}
		img, err := registry.ParseImage(name)
		if err != nil {
			log.Fatalf("parse %s: %v", name, err)
		}
		host := regHost
		if host == "" {
			host = img.Registry
		}
		p := pull.New(img, registry.NewRegistry(host),
			registry.NewInspector(arch, false),
			fetch.New(connections, connections, minSplit),
			cache.New(cacheDir),
			pull.Options{OutDir: outDir, Arch: arch, CacheTTL: cacheTTL})
		if err := p.Pull(); err != nil {
			log.Fatalf("pull %s: %v", name, err)
		}
		log.Infof("image written to %s", outDir)
	},
}

func init() {
	rootCmd.AddCommand(pullCmd)
	pullCmd.Flags().StringVarP(&outDir, "out-dir", "o", "", "directory to write into, default derived from the image name")
	pullCmd.Flags().StringVarP(&arch, "arch", "a", runtime.GOARCH, "target architecture")
	pullCmd.Flags().IntVarP(&connections, "connections", "c", fetch.DefaultSegments, "max parallel connections per layer")
	pullCmd.Flags().Int64Var(&minSplit, "min-split", fetch.DefaultMinSplit, "smallest byte range worth a dedicated connection")
	pullCmd.Flags().StringVar(&regHost, "registry", "", "registry host, default "+registry.DefaultRegistry)
}
