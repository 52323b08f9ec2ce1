// Command ccdma-mlli maps scatter/gather scenarios through the buffer manager and prints the
// resulting descriptor tables.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/kballard/go-shellquote"
	"github.com/urfave/cli/v2"
	"github.com/usnistgov/ccdma/bufmgr"
	"github.com/usnistgov/ccdma/core/logging"
	"github.com/usnistgov/ccdma/core/yamlflag"
	"github.com/usnistgov/ccdma/dma/iommu"
	"github.com/usnistgov/ccdma/mk/version"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var logger = logging.New("main")

var (
	mgrCfg   bufmgr.Config
	coalesce bool
	mmu      *iommu.IOMMU
	mgr      *bufmgr.Manager
)

func printJSON(value interface{}) error {
	j, e := json.MarshalIndent(value, "", "  ")
	if e != nil {
		return e
	}
	fmt.Println(string(j))
	return nil
}

var app = &cli.App{
	Version: version.Get().String(),
	Usage:   "Render DMA descriptor tables for crypto engine requests.",
	Flags: []cli.Flag{
		&cli.GenericFlag{
			Name:  "config",
			Usage: "buffer manager configuration `YAML`",
			Value: yamlflag.New(&mgrCfg, yamlflag.DisallowUnknownFields),
		},
		&cli.BoolFlag{
			Name:        "coalesce",
			Usage:       "merge adjacent fragments when mapping",
			Destination: &coalesce,
		},
	},
	Before: func(c *cli.Context) (e error) {
		logger.Debug("starting", zap.String("args", shellquote.Join(os.Args...)))
		mmu = iommu.New(iommu.Config{Coalesce: coalesce})
		mgr, e = bufmgr.New(mmu, mgrCfg)
		return e
	},
	After: func(c *cli.Context) (e error) {
		if mgr == nil {
			return nil
		}
		e = mgr.Close()
		if n := mmu.CountMapped(); n > 0 {
			e = multierr.Append(e, fmt.Errorf("%d mappings leaked", n))
		}
		if n := mmu.CountCoherent(); n > 0 {
			e = multierr.Append(e, fmt.Errorf("%d coherent allocations leaked", n))
		}
		return e
	},
}

func defineCommand(command *cli.Command) {
	app.Commands = append(app.Commands, command)
}

func main() {
	sort.Sort(cli.CommandsByName(app.Commands))
	e := app.Run(os.Args)
	if e != nil {
		log.Fatal(e)
	}
}

func init() {
	defineCommand(&cli.Command{
		Name:  "version",
		Usage: "Show version details",
		Action: func(c *cli.Context) error {
			return printJSON(version.Get())
		},
	})

	var sc scenario
	defineCommand(&cli.Command{
		Name:  "map",
		Usage: "Map a scenario and print descriptor tables",
		Flags: []cli.Flag{
			&cli.GenericFlag{
				Name:     "scenario",
				Usage:    "scenario `YAML`, or @file",
				Value:    yamlflag.New(&sc, yamlflag.WithValidator(validateScenario), yamlflag.DisallowUnknownFields),
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			steps, e := run(mgr, sc)
			if e != nil {
				return e
			}
			return printJSON(steps)
		},
	})

	var nents, last, penultimate, authSize int
	defineCommand(&cli.Command{
		Name:  "classify-icv",
		Usage: "Classify the placement of an authentication tag",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "nents",
				Usage:       "number of mapped extents",
				Destination: &nents,
				Required:    true,
			},
			&cli.IntFlag{
				Name:        "last",
				Usage:       "octets in the last extent",
				Destination: &last,
				Required:    true,
			},
			&cli.IntFlag{
				Name:        "penultimate",
				Usage:       "octets in the second to last extent",
				Destination: &penultimate,
			},
			&cli.IntFlag{
				Name:        "authsize",
				Usage:       "tag length",
				Value:       16,
				Destination: &authSize,
			},
		},
		Action: func(c *cli.Context) error {
			icv, e := bufmgr.ClassifyICV(nents, last, penultimate, authSize)
			if e != nil {
				return e
			}
			return printJSON(icv)
		},
	})
}
