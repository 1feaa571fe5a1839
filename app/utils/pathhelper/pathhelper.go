package pathhelper

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// 文件名中不允许出现的字符，替换为全角或下划线
var invalidReplacer = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "：",
	"*", "＊",
	"?", "？",
	"\"", "＂",
	"<", "＜",
	">", "＞",
	"|", "｜",
	"\x00", "",
)

const maxNameLength = 120

// SafeName 把任意标题转换为文件系统安全的名称：
// Unicode 规范化为 NFC，替换非法字符，去掉首尾空白和点号。
func SafeName(name string) string {
	name = norm.NFC.String(name)
	name = invalidReplacer.Replace(name)
	name = strings.TrimSpace(name)
	name = strings.Trim(name, ".")
	if name == "" {
		name = "untitled"
	}
	if len(name) > maxNameLength {
		// 截断点必须落在字符边界上，多字节字符不能被切半
		cut := maxNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}

// SeriesFolderName 系列文件夹名：标题（安全化）
func SeriesFolderName(title string) string {
	return SafeName(title)
}

// EpisodeFolderName 单话文件夹名：三位话数 + 标题
func EpisodeFolderName(episodeNo int, subtitle string) string {
	if subtitle == "" {
		return fmt.Sprintf("%03d", episodeNo)
	}
	return fmt.Sprintf("%03d-%s", episodeNo, SafeName(subtitle))
}

// ImageFileName 图片文件名：三位序号 + 扩展名，保证命名可以
// 在下载发生之前确定（流式优先模式依赖这一点）。
func ImageFileName(index int, ext string) string {
	if ext == "" {
		ext = ".jpg"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%03d%s", index, ext)
}

// ExtFromURL 从图片地址推断扩展名，识别不出来时回退为 .jpg
func ExtFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".jpg"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return ext
	}
	return ".jpg"
}
