package main

import (
	"fmt"
	"os"

	"github.com/aligator/gofat/v2"
	"github.com/aligator/gofat/v2/blockdev"
	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

const envVarPrefix = "GOFAT"

// Config can be set by GOFAT_* environment variables.
// Command line flags take precedence.
type Config struct {
	SectorSize   int    `envconfig:"SECTOR_SIZE" default:"512"`
	CacheSectors int    `envconfig:"CACHE_SECTORS" default:"64"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"warning"`
	SkipChecks   bool   `envconfig:"SKIP_CHECKS" default:"false"`
	List         bool   `envconfig:"LIST" default:"false"`
	AuditStart   uint64 `envconfig:"AUDIT_START" default:"0"`
	AuditSectors uint64 `envconfig:"AUDIT_SECTORS" default:"0"`
}

func loadConfig(args []string) (Config, *pflag.FlagSet, error) {
	var c Config
	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return c, nil, fmt.Errorf("loading config from environment: %w", err)
	}

	flags := pflag.NewFlagSet("fatinfo", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fatinfo [flags] IMAGE\n\n")
		flags.PrintDefaults()
	}
	flags.IntVar(&c.SectorSize, "sector-size", c.SectorSize, "sector size of the image in bytes")
	flags.IntVar(&c.CacheSectors, "cache-sectors", c.CacheSectors, "FAT sectors kept in the write back cache")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "logrus log level")
	flags.BoolVar(&c.SkipChecks, "skip-checks", c.SkipChecks, "mount even if the boot sector looks broken")
	flags.BoolVarP(&c.List, "list", "l", c.List, "print every file of the volume")
	flags.Uint64Var(&c.AuditStart, "audit-start", c.AuditStart, "first reserved sector of a stored audit trail")
	flags.Uint64Var(&c.AuditSectors, "audit-sectors", c.AuditSectors, "sectors of the stored audit trail, 0 skips it")
	if err := flags.Parse(args); err != nil {
		return c, nil, err
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return c, nil, fmt.Errorf("expected exactly one image, got %d", flags.NArg())
	}
	return c, flags, nil
}

// main prints the geometry and the usage of a FAT image.
func main() {
	c, flags, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log.SetLevel(level)

	img, err := blockdev.OpenImage(afero.NewOsFs(), flags.Arg(0), c.SectorSize)
	if err != nil {
		log.WithError(err).Fatal("could not open image")
	}
	defer img.Close()

	opts := []gofat.Option{
		gofat.WithReadOnly(),
		gofat.WithLogger(log),
		gofat.WithFATCacheSectors(c.CacheSectors),
	}
	if c.AuditSectors > 0 {
		opts = append(opts,
			gofat.WithAudit(gofat.AuditFull, 0xFFFF),
			gofat.WithAuditRegion(c.AuditStart, c.AuditSectors),
		)
	}
	newFn := gofat.New
	if c.SkipChecks {
		newFn = gofat.NewSkipChecks
	}
	fat, err := newFn(img, opts...)
	if err != nil {
		log.WithError(err).Fatal("could not mount volume")
	}
	defer fat.Close()

	geo := fat.Geometry()
	fmt.Printf("Volume:          %q (%v)\n", fat.Label(), fat.FSType())
	fmt.Printf("OEM name:        %q\n", geo.OEMName)
	fmt.Printf("Volume id:       %08X\n", geo.VolumeID)
	fmt.Printf("Sector size:     %d\n", geo.BytesPerSector)
	fmt.Printf("Cluster size:    %s\n", humanize.IBytes(uint64(geo.ClusterSize())))
	fmt.Printf("Reserved:        %d sectors\n", geo.ReservedSectors)
	fmt.Printf("FATs:            %d x %d sectors\n", geo.NumFATs, geo.SectorsPerFAT)
	if geo.FixedRoot() {
		fmt.Printf("Root entries:    %d\n", geo.RootEntryCount)
	} else {
		fmt.Printf("Root cluster:    %d\n", geo.RootCluster)
	}
	fmt.Printf("Data starts at:  sector %d\n", geo.FirstDataSector)

	stats, err := fat.Stats()
	if err != nil {
		log.WithError(err).Fatal("could not read the allocation table")
	}
	fmt.Printf("\n%s\n", stats)

	if trail := fat.AuditTrail(); len(trail) > 0 {
		fmt.Println()
		for _, e := range trail {
			result := "ok"
			if e.Failed {
				result = "failed"
			}
			line := fmt.Sprintf("%s  %-8s %-6s %s", e.Time.Format("2006-01-02 15:04:05"), e.Op, result, e.Path)
			if e.Target != "" {
				line += " -> " + e.Target
			}
			fmt.Println(line)
		}
	}

	if !c.List {
		return
	}

	fmt.Println()
	err = afero.Walk(fat, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		size := "-"
		if !info.IsDir() {
			size = humanize.IBytes(uint64(info.Size()))
		}
		fmt.Printf("%s  %10s  %s  %s\n", info.Mode(), size, info.ModTime().Format("2006-01-02 15:04:05"), path)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("walking the volume failed")
	}
}
