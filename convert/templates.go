package convert

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"fileconverter/models"
)

const defaultTemplateLocale = "en-US"

var lcidLocales = map[int]string{
	1025: "ar_SA", 1026: "bg_BG", 1027: "ca_ES", 1028: "zh_TW", 1029: "cs_CZ",
	1030: "da_DK", 1031: "de_DE", 1032: "el_GR", 1033: "en_US", 1034: "es_ES",
	1035: "fi_FI", 1036: "fr_FR", 1037: "he_IL", 1038: "hu_HU", 1040: "it_IT",
	1041: "ja_JP", 1042: "ko_KR", 1043: "nl_NL", 1044: "nb_NO", 1045: "pl_PL",
	1046: "pt_BR", 1048: "ro_RO", 1049: "ru_RU", 1050: "hr_HR", 1051: "sk_SK",
	1053: "sv_SE", 1055: "tr_TR", 1057: "id_ID", 1058: "uk_UA", 1060: "sl_SI",
	1061: "et_EE", 1062: "lv_LV", 1063: "lt_LT", 1066: "vi_VN", 1068: "az_Latn_AZ",
	1069: "eu_ES", 1071: "mk_MK", 1081: "hi_IN", 1086: "ms_MY", 1087: "kk_KZ",
	1110: "gl_ES", 2052: "zh_CN", 2057: "en_GB", 2058: "es_MX", 2070: "pt_PT",
	2074: "sr_Latn_RS", 3076: "zh_HK", 3081: "en_AU", 3082: "es_ES", 3084: "fr_CA",
	4105: "en_CA", 5129: "en_NZ", 3098: "sr_Cyrl_RS",
}

// localeFromLCID returns the template directory name for lcid, or "" when
// the id is unknown.
func localeFromLCID(lcid int) string {
	name, ok := lcidLocales[lcid]
	if !ok {
		return ""
	}
	return strings.ReplaceAll(name, "_", "-")
}

// replaceEmptyFile substitutes a blank template for a missing or empty
// download. The locale directory falls back to en-US, and the exact extension
// falls back to the family's editor format.
func replaceEmptyFile(logger *slog.Logger, templatesDir, fileFrom, ext string, lcid int) error {
	if info, err := os.Lstat(fileFrom); err == nil && info.Size() > 0 {
		return nil
	}

	locale := defaultTemplateLocale
	if lcid != 0 {
		if candidate := localeFromLCID(lcid); candidate != "" {
			if _, err := os.Stat(filepath.Join(templatesDir, candidate)); err == nil {
				locale = candidate
			} else {
				logger.Debug("no templates for locale", "locale", candidate)
			}
		}
	}

	base := filepath.Join(templatesDir, locale, "new.")
	if _, err := os.Stat(base + ext); err == nil {
		logger.Debug("replacing empty file", "format", ext, "locale", locale)
		return copyFile(base+ext, fileFrom)
	}
	family := models.FormatFromExtension(ext).EditorExtension()
	if family == "" {
		return nil
	}
	if _, err := os.Stat(base + family); err == nil {
		logger.Debug("replacing empty file", "format", family, "locale", locale)
		return copyFile(base+family, fileFrom)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
