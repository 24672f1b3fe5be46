package convert

import (
	"encoding/xml"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"fileconverter/config"
	"fileconverter/models"
)

const (
	xmlHeader = "\ufeff<?xml version=\"1.0\" encoding=\"utf-8\"?>"
	xmlRoot   = `<TaskQueueDataConvert xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema">`
)

// xmlBuilder writes the engine's element-per-field XML. A nil value becomes
// an xsi:nil element.
type xmlBuilder struct {
	strings.Builder
}

func (b *xmlBuilder) prop(name string, value any) {
	s, ok := xmlValue(value)
	if !ok {
		b.WriteString("<" + name + ` xsi:nil="true" />`)
		return
	}
	b.WriteString("<" + name + ">")
	xml.EscapeText(b, []byte(s))
	b.WriteString("</" + name + ">")
}

func (b *xmlBuilder) attr(name string, value any) {
	s, ok := xmlValue(value)
	if !ok {
		return
	}
	b.WriteString(" " + name + `="`)
	xml.EscapeText(b, []byte(s))
	b.WriteString(`"`)
}

func xmlValue(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case *string:
		if v == nil {
			return "", false
		}
		return *v, true
	case bool:
		return strconv.FormatBool(v), true
	case *bool:
		if v == nil {
			return "", false
		}
		return strconv.FormatBool(*v), true
	case int:
		return strconv.Itoa(v), true
	case *int:
		if v == nil {
			return "", false
		}
		return strconv.Itoa(*v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case models.Format:
		return strconv.Itoa(int(v)), true
	}
	return fmt.Sprint(value), true
}

// optional maps zero values to nil so they serialize as xsi:nil.
func optional[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

func resolveDir(dir string) any {
	if dir == "" {
		return nil
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// paramsXML renders the parameter document for one engine run.
func (c *Converter) paramsXML(j *job) string {
	t := j.task
	var b xmlBuilder
	b.WriteString(xmlHeader)
	b.WriteString(xmlRoot)
	b.prop("m_sKey", j.key)
	b.prop("m_sFileFrom", j.fileFrom)
	b.prop("m_sFileTo", j.fileTo)
	b.prop("m_sTitle", optional(t.Title))
	b.prop("m_nFormatTo", j.formatTo)
	if j.isPDFA {
		b.prop("m_bIsPDFA", true)
	} else {
		b.prop("m_bIsPDFA", nil)
	}
	b.prop("m_nCsvTxtEncoding", t.Codepage)
	b.prop("m_nCsvDelimiter", t.Delimiter)
	b.prop("m_nCsvDelimiterChar", optional(t.DelimiterChar))
	b.prop("m_bPaid", t.Paid)
	b.prop("m_bEmbeddedFonts", t.EmbeddedFonts)
	b.prop("m_bFromChanges", j.fromChanges)
	b.prop("m_sFontDir", resolveDir(j.cfg.String("converter.fontDir", "")))
	b.prop("m_sThemeDir", resolveDir(j.cfg.String("converter.presentationThemesDir", "")))
	if m := t.MailMerge; m != nil {
		b.WriteString("<m_oMailMergeSend>")
		b.prop("from", m.From)
		b.prop("to", m.To)
		b.prop("subject", m.Subject)
		b.prop("mailFormat", m.MailFormat)
		b.prop("fileName", m.FileName)
		b.prop("message", m.Message)
		b.prop("recordFrom", m.RecordFrom)
		b.prop("recordTo", m.RecordTo)
		b.prop("recordCount", m.RecordCount)
		b.prop("userid", m.UserID)
		b.prop("url", m.URL)
		b.WriteString("</m_oMailMergeSend>")
	}
	if th := t.Thumbnail; th != nil {
		b.WriteString("<m_oThumbnail>")
		b.prop("format", th.Format)
		b.prop("aspect", th.Aspect)
		b.prop("first", th.First)
		b.prop("width", th.Width)
		b.prop("height", th.Height)
		b.WriteString("</m_oThumbnail>")
	}
	if tp := t.TextParams; tp != nil {
		b.WriteString("<m_oTextParams>")
		b.prop("m_nTextAssociationType", tp.Association)
		b.WriteString("</m_oTextParams>")
	}
	if len(t.JSONParams) > 0 {
		b.prop("m_sJsonParams", string(t.JSONParams))
	} else {
		b.prop("m_sJsonParams", nil)
	}
	b.prop("m_nLcid", optional(t.LCID))
	b.prop("m_oTimestamp", c.now().UTC().Format("2006-01-02T15:04:05.000Z"))
	b.prop("m_bIsNoBase64", t.NoBase64)
	b.prop("m_sConvertToOrigin", optional(t.ConvertToOrigin))
	b.WriteString(c.limits.XML(j.cfg))
	b.WriteString(optionsXML(j.cfg, false, t.OformAsPdf))
	b.WriteString("</TaskQueueDataConvert>")
	return b.String()
}

// secretsXML renders the document carrying decrypted passwords. It is passed
// on the command line and never written to disk or logged. An empty string
// means there is nothing to pass.
func (c *Converter) secretsXML(j *job) (string, error) {
	t := j.task
	if t.Password == "" && t.SavePassword == "" {
		return "", nil
	}
	var b xmlBuilder
	b.WriteString("<TaskQueueDataConvert>")
	if t.Password != "" {
		password, err := c.cipher.Decrypt(t.Password)
		if err != nil {
			return "", fmt.Errorf("password: %w", err)
		}
		b.prop("m_sPassword", password)
	}
	if t.SavePassword != "" {
		password, err := c.cipher.Decrypt(t.SavePassword)
		if err != nil {
			return "", fmt.Errorf("save password: %w", err)
		}
		b.prop("m_sSavePassword", password)
	}
	b.WriteString("</TaskQueueDataConvert>")
	return b.String(), nil
}

type proxyUser struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// optionsXML renders the network egress policy. When no allow-list is
// configured and the request arrived with a platform token, the engine may
// reach any host directly.
func optionsXML(cfg *config.Overlay, inJWT bool, oformAsPdf *bool) string {
	allowList := cfg.Strings("externalRequest.directIfIn.allowList")
	allowNetwork := cfg.Bool("externalRequest.action.allow", true)
	allowPrivateIP := !cfg.Bool("externalRequest.action.blockPrivateIP", true) &&
		cfg.Bool("requestFilteringAgent.allowPrivateIPAddress", false)
	proxyURL := cfg.String("externalRequest.action.proxyUrl", "")
	var user *proxyUser
	if err := cfg.Decode("externalRequest.action.proxyUser", &user); err != nil {
		user = nil
	}
	headers := map[string]string{}
	if err := cfg.Decode("externalRequest.action.proxyHeaders", &headers); err != nil {
		headers = map[string]string{}
	}

	if len(allowList) == 0 && cfg.Bool("externalRequest.directIfIn.jwtToken", true) && inJWT {
		allowNetwork = true
		allowPrivateIP = true
		proxyURL = ""
		user = nil
		headers = map[string]string{}
	}

	var b xmlBuilder
	b.WriteString("<options>")
	if len(allowList) > 0 {
		b.prop("allowList", strings.Join(allowList, ";"))
	}
	b.prop("allowNetworkRequest", allowNetwork)
	b.prop("allowPrivateIP", allowPrivateIP)
	if proxyURL != "" {
		b.prop("proxy", proxyURL)
	}
	if user != nil && user.Username != "" {
		b.prop("proxyUser", user.Username+":"+user.Password)
	}
	if len(headers) > 0 {
		names := make([]string, 0, len(headers))
		for name := range headers {
			names = append(names, name)
		}
		sort.Strings(names)
		pairs := make([]string, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, name+":"+headers[name])
		}
		b.prop("proxyHeader", strings.Join(pairs, ";"))
	}
	if oformAsPdf != nil {
		b.prop("oformAsPdf", *oformAsPdf)
	}
	b.WriteString("</options>")
	return b.String()
}
