package models

import (
	"bytes"
	"io"
	"os"
	"strings"
)

// Format is an engine document format identifier. The high bits select the
// family, the low bits the concrete format.
type Format int

const (
	FormatUnknown Format = 0

	FormatDocument      Format = 0x0040
	FormatDOCX          Format = 0x0041
	FormatDOC           Format = 0x0042
	FormatODT           Format = 0x0043
	FormatRTF           Format = 0x0044
	FormatTXT           Format = 0x0045
	FormatHTML          Format = 0x0046
	FormatMHT           Format = 0x0047
	FormatEPUB          Format = 0x0048
	FormatFB2           Format = 0x0049
	FormatMOBI          Format = 0x004a
	FormatDOCM          Format = 0x004b
	FormatDOTX          Format = 0x004c
	FormatDOTM          Format = 0x004d
	FormatODTFlat       Format = 0x004e
	FormatOTT           Format = 0x004f
	FormatOFORM         Format = 0x0055
	FormatDOCXF         Format = 0x0056
	FormatOFORMPDF      Format = 0x0057
	FormatPresentation  Format = 0x0080
	FormatPPTX          Format = 0x0081
	FormatPPT           Format = 0x0082
	FormatODP           Format = 0x0083
	FormatPPSX          Format = 0x0084
	FormatPPTM          Format = 0x0085
	FormatPPSM          Format = 0x0086
	FormatPOTX          Format = 0x0087
	FormatPOTM          Format = 0x0088
	FormatOTP           Format = 0x008a
	FormatSpreadsheet   Format = 0x0100
	FormatXLSX          Format = 0x0101
	FormatXLS           Format = 0x0102
	FormatODS           Format = 0x0103
	FormatCSV           Format = 0x0104
	FormatXLSM          Format = 0x0105
	FormatXLTX          Format = 0x0106
	FormatXLTM          Format = 0x0107
	FormatXLSB          Format = 0x0108
	FormatOTS           Format = 0x010a
	FormatCrossPlatform Format = 0x0200
	FormatPDF           Format = 0x0201
	FormatDJVU          Format = 0x0203
	FormatXPS           Format = 0x0204
	FormatPDFA          Format = 0x0209
	FormatImage         Format = 0x0400
	FormatJPG           Format = 0x0401
	FormatPNG           Format = 0x0405
	FormatBMP           Format = 0x0408
	FormatOther         Format = 0x0800
	FormatOOXML         Format = 0x0807
	FormatJSON          Format = 0x0808
	FormatTeamlab       Format = 0x1000
	FormatDOCY          Format = 0x1001
	FormatXLSY          Format = 0x1002
	FormatPPTY          Format = 0x1003
	FormatCanvas        Format = 0x2000
	FormatCanvasWord    Format = 0x2001
	FormatCanvasSheet   Format = 0x2002
	FormatCanvasSlide   Format = 0x2003
	FormatCanvasPDF     Format = 0x2004
)

var formatExtensions = map[Format]string{
	FormatDOCX:        "docx",
	FormatDOC:         "doc",
	FormatODT:         "odt",
	FormatRTF:         "rtf",
	FormatTXT:         "txt",
	FormatHTML:        "html",
	FormatMHT:         "mht",
	FormatEPUB:        "epub",
	FormatFB2:         "fb2",
	FormatMOBI:        "mobi",
	FormatDOCM:        "docm",
	FormatDOTX:        "dotx",
	FormatDOTM:        "dotm",
	FormatODTFlat:     "fodt",
	FormatOTT:         "ott",
	FormatOFORM:       "oform",
	FormatDOCXF:       "docxf",
	FormatOFORMPDF:    "pdf",
	FormatPPTX:        "pptx",
	FormatPPT:         "ppt",
	FormatODP:         "odp",
	FormatPPSX:        "ppsx",
	FormatPPTM:        "pptm",
	FormatPPSM:        "ppsm",
	FormatPOTX:        "potx",
	FormatPOTM:        "potm",
	FormatOTP:         "otp",
	FormatXLSX:        "xlsx",
	FormatXLS:         "xls",
	FormatODS:         "ods",
	FormatCSV:         "csv",
	FormatXLSM:        "xlsm",
	FormatXLTX:        "xltx",
	FormatXLTM:        "xltm",
	FormatXLSB:        "xlsb",
	FormatOTS:         "ots",
	FormatPDF:         "pdf",
	FormatDJVU:        "djvu",
	FormatXPS:         "xps",
	FormatPDFA:        "pdf",
	FormatJPG:         "jpg",
	FormatPNG:         "png",
	FormatBMP:         "bmp",
	FormatOOXML:       "ooxml",
	FormatJSON:        "json",
	FormatDOCY:        "doct",
	FormatXLSY:        "xlst",
	FormatPPTY:        "pptt",
	FormatCanvasWord:  "bin",
	FormatCanvasSheet: "bin",
	FormatCanvasSlide: "bin",
	FormatCanvasPDF:   "bin",
}

var extensionFormats = map[string]Format{}

func init() {
	for f, ext := range formatExtensions {
		switch f {
		case FormatOFORMPDF, FormatPDFA, FormatCanvasSheet, FormatCanvasSlide, FormatCanvasPDF:
			continue
		}
		extensionFormats[ext] = f
	}
}

// Extension returns the file extension (without dot) for f.
func (f Format) Extension() string {
	return formatExtensions[f]
}

// FormatFromExtension resolves an extension such as "docx" or ".docx".
func FormatFromExtension(ext string) Format {
	return extensionFormats[strings.ToLower(strings.TrimPrefix(ext, "."))]
}

func (f Format) IsDocument() bool     { return f&FormatDocument != 0 && f < FormatPresentation }
func (f Format) IsPresentation() bool { return f&FormatPresentation != 0 && f < FormatSpreadsheet }
func (f Format) IsSpreadsheet() bool  { return f&FormatSpreadsheet != 0 && f < FormatCrossPlatform }
func (f Format) IsCanvas() bool       { return f&FormatCanvas != 0 }

// IsOOXML reports whether f is already an Office Open XML package.
func (f Format) IsOOXML() bool {
	switch f {
	case FormatDOCX, FormatDOCM, FormatDOTX, FormatDOTM, FormatOFORM, FormatDOCXF,
		FormatPPTX, FormatPPSX, FormatPPTM, FormatPPSM, FormatPOTX, FormatPOTM,
		FormatXLSX, FormatXLSM, FormatXLTX, FormatXLTM:
		return true
	}
	return false
}

// IsBrowserEditor reports whether f is one of the editor-native formats.
func (f Format) IsBrowserEditor() bool {
	switch f {
	case FormatDOCY, FormatXLSY, FormatPPTY,
		FormatCanvasWord, FormatCanvasSheet, FormatCanvasSlide, FormatCanvasPDF:
		return true
	}
	return false
}

// EditorExtension returns the blank-template extension for the family of f.
func (f Format) EditorExtension() string {
	switch {
	case f.IsDocument():
		return "docx"
	case f.IsSpreadsheet():
		return "xlsx"
	case f.IsPresentation():
		return "pptx"
	}
	return ""
}

var signatures = []struct {
	prefix []byte
	format Format
}{
	{[]byte("DOCY;v"), FormatCanvasWord},
	{[]byte("XLSY;v"), FormatCanvasSheet},
	{[]byte("PPTY;v"), FormatCanvasSlide},
	{[]byte("%PDF-"), FormatPDF},
}

// DetectFormat inspects the first bytes of a file. Only the signatures needed
// for output-format selection are recognised.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, 16)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown, err
	}
	head = head[:n]
	for _, sig := range signatures {
		if bytes.HasPrefix(head, sig.prefix) {
			return sig.format, nil
		}
	}
	return FormatUnknown, nil
}
