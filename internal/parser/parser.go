package parser

import (
	"archive/zip"
	"fmt"
	"html"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"ivf-rag/internal/models"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
)

const defaultPageNumber = 1

var (
	docxParagraphRe = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>`)
	docxTextRe      = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)
	drawingTextRe   = regexp.MustCompile(`<a:t(?:\s[^>]*)?>([^<]*)</a:t>`)
	slideNameRe     = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
)

// section is one page, slide or sheet of a source file.
type section struct {
	Number int
	Text   string
}

// Supported reports whether Load can parse files with the extension.
func Supported(ext string) bool {
	switch strings.ToLower(ext) {
	case ".pdf", ".docx", ".pptx", ".xlsx", ".xlsm", ".xltx", ".md", ".markdown", ".txt":
		return true
	}
	return false
}

// Discover walks root and returns the files whose extension is in exts, in
// lexical order. Hidden files and directories are skipped.
func Discover(root string, exts []string) ([]string, error) {
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		hidden := strings.HasPrefix(d.Name(), ".") && path != root
		if d.IsDir() {
			if hidden {
				return filepath.SkipDir
			}
			return nil
		}
		if hidden {
			return nil
		}
		if _, ok := allowed[strings.ToLower(filepath.Ext(path))]; ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Load parses a file into a Document. Pages, slides and sheets become page
// boundaries; formats without pages are a single page.
func Load(filePath string) (models.Document, error) {
	var (
		sections []section
		err      error
	)
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".pdf":
		sections, err = parsePDF(filePath)
	case ".docx":
		sections, err = parseDOCX(filePath)
	case ".pptx":
		sections, err = parsePPTX(filePath)
	case ".xlsx":
		sections, err = parseXLSX(filePath)
	case ".xlsm", ".xltx":
		sections, err = parseWorkbook(filePath)
	case ".md", ".markdown":
		sections, err = parseMarkdown(filePath)
	case ".txt":
		sections, err = parseText(filePath)
	default:
		return models.Document{}, fmt.Errorf("unsupported file format: %s", ext)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("parse %s: %w", filePath, err)
	}
	return assemble(filePath, sections), nil
}

// assemble joins non-empty sections with a paragraph break and records where
// each one starts.
func assemble(source string, sections []section) models.Document {
	doc := models.Document{Source: source}
	var b strings.Builder
	offset := 0
	for _, s := range sections {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(models.PageSeparator)
			offset += utf8.RuneCountInString(models.PageSeparator)
		}
		doc.Pages = append(doc.Pages, models.Page{Number: s.Number, Offset: offset})
		b.WriteString(text)
		offset += utf8.RuneCountInString(text)
	}
	doc.Text = b.String()
	return doc
}

func parsePDF(filePath string) ([]section, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Get file size for reader initialization
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	var sections []section
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		sections = append(sections, section{Number: i, Text: pageText})
	}
	return sections, nil
}

func parseDOCX(filePath string) ([]section, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return []section{{Number: defaultPageNumber, Text: docxText(r.Editable().GetContent())}}, nil
}

// docxText keeps one line per <w:p> paragraph of document.xml.
func docxText(content string) string {
	var lines []string
	for _, para := range docxParagraphRe.FindAllString(content, -1) {
		var line strings.Builder
		for _, m := range docxTextRe.FindAllStringSubmatch(para, -1) {
			line.WriteString(html.UnescapeString(m[1]))
		}
		if strings.TrimSpace(line.String()) != "" {
			lines = append(lines, line.String())
		}
	}
	return strings.Join(lines, "\n")
}

func parsePPTX(filePath string) ([]section, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sections []section
	for _, file := range f.File {
		m := slideNameRe.FindStringSubmatch(file.Name)
		if m == nil {
			continue
		}
		slideNum, _ := strconv.Atoi(m[1])
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		sections = append(sections, section{Number: slideNum, Text: extractTextFromXML(string(data))})
	}
	// zip order is arbitrary; slide10 must follow slide9
	sort.Slice(sections, func(i, j int) bool { return sections[i].Number < sections[j].Number })
	return sections, nil
}

func parseXLSX(filePath string) ([]section, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	var sections []section
	for sheetNum, sheet := range f.Sheets {
		var text strings.Builder
		text.WriteString(fmt.Sprintf("Sheet: %s\n", sheet.Name))
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			text.WriteString(strings.Join(cells, "\t"))
			text.WriteString("\n")
		}
		sections = append(sections, section{Number: sheetNum + 1, Text: text.String()})
	}
	return sections, nil
}

// parseWorkbook reads macro-enabled workbooks and templates, which the xlsx
// reader rejects.
func parseWorkbook(filePath string) ([]section, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sections []section
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheetName, err)
		}
		var text strings.Builder
		text.WriteString(fmt.Sprintf("Sheet: %s\n", sheetName))
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
		sections = append(sections, section{Number: sheetNum + 1, Text: text.String()})
	}
	return sections, nil
}

func parseMarkdown(filePath string) ([]section, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return []section{{Number: defaultPageNumber, Text: markdownToText(data)}}, nil
}

func parseText(filePath string) ([]section, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return []section{{Number: defaultPageNumber, Text: string(data)}}, nil
}

func extractTextFromXML(xmlContent string) string {
	var parts []string
	for _, m := range drawingTextRe.FindAllStringSubmatch(xmlContent, -1) {
		parts = append(parts, html.UnescapeString(m[1]))
	}
	return strings.Join(parts, " ")
}
