//go:build ignore

// Command generate-catalog writes a synthetic catalog for load testing
// `tamizdat import` and `tamizdat search`.
//
// Usage: go run scripts/generate-catalog.go -books 100000 -output testdata/catalog.txt
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

var (
	numBooks   = flag.Int("books", 10000, "Number of books to generate")
	maxAuthors = flag.Int("max-authors", 3, "Maximum authors per book")
	outputPath = flag.String("output", "testdata/catalog.txt", "Output file")
	encoding   = flag.String("encoding", "utf-8", "Output encoding: utf-8 or windows-1251")
	seed       = flag.Int64("seed", 42, "Random seed for reproducibility")
	badRows    = flag.Float64("bad-rows", 0, "Fraction of malformed rows to mix in")
)

const header = "Last Name;First Name;Middle Name;Title;Subtitle;Language;Year;Series;ID"

var (
	lastNames   = []string{"Иванов", "Петрова", "Сидоров", "Кузнецова", "Смирнов", "Орлова", "Волков", "Лебедева", "Соколов", "Морозова", "Новиков", "Фёдорова"}
	firstNames  = []string{"Анна", "Борис", "Вера", "Григорий", "Дарья", "Евгений", "Жанна", "Захар", "Ирина", "Кирилл", "Лидия", "Максим"}
	middleNames = []string{"Андреевич", "Борисовна", "Викторович", "Геннадьевна", "Дмитриевич", "", ""}
	titleWords  = []string{"город", "ночь", "дорога", "сад", "море", "зима", "письма", "тень", "остров", "окно", "хроника", "песня", "река", "дом", "небо", "камень"}
	adjectives  = []string{"тихий", "северный", "последний", "красный", "далёкий", "забытый", "белый", "новый"}
	subtitles   = []string{"", "", "", "роман", "повесть", "рассказы", "стихи"}
	series      = []string{"", "", "", "Библиотека приключений", "Мир фантастики", "Классика", "Самиздат"}
	languages   = []string{"ru", "ru", "ru", "uk", "en"}
)

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(filepath.Dir(*outputPath), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create output directory: %v\n", err)
		os.Exit(1)
	}
	f, err := os.Create(*outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create %s: %v\n", *outputPath, err)
		os.Exit(1)
	}
	defer f.Close()

	var out io.Writer = f
	switch strings.ToLower(*encoding) {
	case "utf-8", "utf8":
	case "windows-1251", "cp1251":
		out = charmap.Windows1251.NewEncoder().Writer(f)
	default:
		fmt.Fprintf(os.Stderr, "Unsupported encoding: %s\n", *encoding)
		os.Exit(1)
	}

	w := bufio.NewWriter(out)
	cards := write(w, rng)
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write catalog: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %d books (%d cards) to %s\n", *numBooks, cards, *outputPath)
}

func write(w *bufio.Writer, rng *rand.Rand) int {
	fmt.Fprintln(w, header)
	cards := 0
	for id := 1; id <= *numBooks; id++ {
		title := fmt.Sprintf("%s %s", pick(rng, adjectives), pick(rng, titleWords))
		if rng.Intn(3) == 0 {
			title += " и " + pick(rng, titleWords)
		}
		year := ""
		if rng.Intn(10) > 0 {
			year = fmt.Sprint(1900 + rng.Intn(125))
		}
		sub, ser, lang := pick(rng, subtitles), pick(rng, series), pick(rng, languages)

		for range 1 + rng.Intn(*maxAuthors) {
			if *badRows > 0 && rng.Float64() < *badRows {
				fmt.Fprintf(w, "%s;%s;broken row\n", pick(rng, lastNames), title)
			}
			fmt.Fprintf(w, "%s;%s;%s;%s;%s;%s;%s;%s;%d\n",
				pick(rng, lastNames), pick(rng, firstNames), pick(rng, middleNames),
				title, sub, lang, year, ser, id)
			cards++
		}
	}
	return cards
}

func pick(rng *rand.Rand, pool []string) string {
	return pool[rng.Intn(len(pool))]
}
