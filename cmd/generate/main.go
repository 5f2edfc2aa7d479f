package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aligator/gofat/v2"
	"github.com/aligator/gofat/v2/blockdev"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

const readme = `# GoFAT

This volume was generated by cmd/generate.
It contains some files and folders to play with.
`

var types = map[string]gofat.FATType{
	"fat12": gofat.FAT12,
	"fat16": gofat.FAT16,
	"fat32": gofat.FAT32,
}

// main creates sample images which can be used with cmd/example and cmd/fatinfo.
func main() {
	flags := pflag.NewFlagSet("generate", pflag.ExitOnError)
	dest := flags.StringP("out", "o", "testdata", "folder to write the images to")
	size := flags.String("size", "", "size of each image, e.g. 4MiB (default depends on the type)")
	label := flags.String("label", "GOFAT", "volume label")
	empty := flags.Bool("empty", false, "only format the images without adding sample files")
	only := flags.StringSlice("type", []string{"fat12", "fat16", "fat32"}, "FAT types to generate")
	_ = flags.Parse(os.Args[1:])

	log := logrus.New()
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(*dest, 0755); err != nil {
		log.WithError(err).Fatal("could not create the output folder")
	}

	for _, name := range *only {
		name = strings.ToLower(name)
		typ, ok := types[name]
		if !ok {
			log.WithField("type", name).Fatal("unknown FAT type")
		}

		bytes := defaultSize(typ)
		if *size != "" {
			parsed, err := humanize.ParseBytes(*size)
			if err != nil {
				log.WithError(err).Fatal("invalid size")
			}
			bytes = parsed
		}

		path := filepath.Join(*dest, name+".img")
		if err := generate(osFs, path, bytes, typ, *label, !*empty, log); err != nil {
			log.WithError(err).WithField("image", path).Fatal("could not generate image")
		}
		log.WithFields(logrus.Fields{
			"image": path,
			"size":  humanize.IBytes(bytes),
		}).Info("generated")
	}
}

func defaultSize(typ gofat.FATType) uint64 {
	switch typ {
	case gofat.FAT12:
		return 4 << 20
	case gofat.FAT16:
		return 16 << 20
	default:
		return 64 << 20
	}
}

func generate(osFs afero.Fs, path string, size uint64, typ gofat.FATType, label string, populate bool, log logrus.FieldLogger) error {
	file, err := osFs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := file.Truncate(int64(size)); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	img, err := blockdev.OpenImage(osFs, path, 512)
	if err != nil {
		return err
	}
	defer img.Close()

	if err := gofat.Format(img, gofat.FormatOptions{Type: typ, Label: label}); err != nil {
		return err
	}
	if !populate {
		return nil
	}

	fat, err := gofat.New(img, gofat.WithLogger(log))
	if err != nil {
		return err
	}

	files := map[string]string{
		"README.md": readme,
		"DoNotEdit_tests/HelloWorldThisIsALoongFileName.txt": "Hello World!",
		"DoNotEdit_tests/sub dir/empty":                      "",
		"DoNotEdit_tests/numbers.txt":                        numbers(2000),
	}
	for name, content := range files {
		if err := fat.MkdirAll(filepath.Dir(name), 0755); err != nil {
			_ = fat.Close()
			return err
		}
		if err := afero.WriteFile(fat, name, []byte(content), 0666); err != nil {
			_ = fat.Close()
			return err
		}
	}

	return fat.Close()
}

func numbers(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%d\n", i)
	}
	return b.String()
}
