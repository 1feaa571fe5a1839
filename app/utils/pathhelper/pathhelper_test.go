package pathhelper

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSafeName(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "恋爱革命", want: "恋爱革命"},
		{name: "slash", input: "前篇/后篇", want: "前篇_后篇"},
		{name: "colon", input: "第1季:开端", want: "第1季：开端"},
		{name: "question", input: "谁是凶手?", want: "谁是凶手？"},
		{name: "trim-spaces", input: "  标题  ", want: "标题"},
		{name: "trim-dots", input: "...标题...", want: "标题"},
		{name: "empty", input: "", want: "untitled"},
		{name: "only-invalid", input: " . ", want: "untitled"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := SafeName(tc.input); got != tc.want {
				t.Errorf("SafeName(%q) = %q, 期望 %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestSafeNameTruncates(t *testing.T) {
	long := strings.Repeat("a", 300)
	if got := SafeName(long); len(got) != 120 {
		t.Errorf("长度 = %d, 期望 120", len(got))
	}
}

func TestSafeNameTruncatesOnRuneBoundary(t *testing.T) {
	// 每个汉字 3 字节，前面多一个 ASCII 字节后
	// 120 处正好落在某个汉字中间，截断点必须回退
	long := "a" + strings.Repeat("长", 100)
	got := SafeName(long)
	if !utf8.ValidString(got) {
		t.Fatalf("截断结果不是合法 UTF-8: %q", got)
	}
	if len(got) != 118 {
		t.Errorf("长度 = %d, 期望回退到 118", len(got))
	}
	if !strings.HasPrefix(long, got) {
		t.Errorf("截断结果不是原串前缀: %q", got)
	}
}

func TestEpisodeFolderName(t *testing.T) {
	if got := EpisodeFolderName(7, "初次见面"); got != "007-初次见面" {
		t.Errorf("EpisodeFolderName = %q", got)
	}
	if got := EpisodeFolderName(123, ""); got != "123" {
		t.Errorf("无标题时 = %q", got)
	}
	if got := EpisodeFolderName(1000, "x"); got != "1000-x" {
		t.Errorf("超过三位话数 = %q", got)
	}
}

func TestImageFileName(t *testing.T) {
	for _, tc := range []struct {
		index int
		ext   string
		want  string
	}{
		{index: 1, ext: ".jpg", want: "001.jpg"},
		{index: 42, ext: "png", want: "042.png"},
		{index: 7, ext: "", want: "007.jpg"},
	} {
		if got := ImageFileName(tc.index, tc.ext); got != tc.want {
			t.Errorf("ImageFileName(%d, %q) = %q, 期望 %q", tc.index, tc.ext, got, tc.want)
		}
	}
}

func TestExtFromURL(t *testing.T) {
	for _, tc := range []struct {
		url  string
		want string
	}{
		{url: "https://cdn.example.com/img/001.png?type=q90", want: ".png"},
		{url: "https://cdn.example.com/img/001.JPEG", want: ".jpeg"},
		{url: "https://cdn.example.com/img/001.webp", want: ".webp"},
		{url: "https://cdn.example.com/img/noext", want: ".jpg"},
		{url: "https://cdn.example.com/img/file.exe", want: ".jpg"},
		{url: "::bad::url", want: ".jpg"},
	} {
		if got := ExtFromURL(tc.url); got != tc.want {
			t.Errorf("ExtFromURL(%q) = %q, 期望 %q", tc.url, got, tc.want)
		}
	}
}
