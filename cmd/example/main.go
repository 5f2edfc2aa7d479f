package main

import (
	"fmt"
	"io"
	"os"

	"github.com/aligator/gofat/v2"
	"github.com/aligator/gofat/v2/blockdev"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// main is just a example main to play with GoFAT.
// It expects an image created by cmd/generate.
func main() {
	argsWithoutProg := os.Args[1:]
	if len(argsWithoutProg) <= 0 {
		fmt.Println("Please provide a filename.")
		os.Exit(1)
	}

	img, err := blockdev.OpenImage(afero.NewOsFs(), argsWithoutProg[0], 512)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	defer img.Close()

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	fat, err := gofat.New(img, gofat.WithLogger(log))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	defer fat.Close()

	fmt.Printf("Opened volume '%v' with type %v\n\n", fat.Label(), fat.FSType())

	afero.Walk(fat, "", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			fmt.Println(err)
			return err
		}
		fmt.Println(path, info.IsDir(), info.ModTime())
		return nil
	})

	file, err := fat.Open("README.md")
	if err != nil {
		fmt.Println("could not open the root file", err)
		os.Exit(1)
	}

	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		fmt.Println("could not stat the file", err)
		os.Exit(1)
	}
	buffer := make([]byte, stat.Size())
	n, err := io.ReadFull(file, buffer)
	if err != nil {
		fmt.Println("could not read the file", err)
		os.Exit(1)
	}
	fmt.Println(stat.Size(), n)
	fmt.Println("\n\nContent of " + stat.Name() + ":\n\n" + string(buffer))

	buffer = make([]byte, 52)
	offset, err := file.Seek(9, io.SeekStart)
	if err != nil {
		fmt.Println("could not seek", err)
		os.Exit(1)
	}
	fmt.Println(offset, err)

	n, err = file.Read(buffer)
	if err != nil && err != io.EOF {
		fmt.Println("could not read the file", err)
		os.Exit(1)
	}
	fmt.Println("\n\nContent of " + stat.Name() + " using an offset and small buffer:\n\n" + string(buffer[:n]))

	// Write something back to see the FAT and the directory entry change.
	notes, err := fat.OpenFile("NOTES.TXT", os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		fmt.Println("could not open the notes", err)
		os.Exit(1)
	}
	defer notes.Close()
	if _, err := notes.WriteString(fmt.Sprintf("read %d bytes from %s\n", stat.Size(), stat.Name())); err != nil {
		fmt.Println("could not write the notes", err)
		os.Exit(1)
	}

	stats, err := fat.Stats()
	if err != nil {
		fmt.Println("could not read the stats", err)
		os.Exit(1)
	}
	fmt.Printf("\n%s\n", stats)
}
