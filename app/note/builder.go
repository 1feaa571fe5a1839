package note

import (
	"fmt"
	"strings"
	"time"

	"toon-archive/app/fetcher"
	"toon-archive/app/model"

	"gopkg.in/yaml.v3"
)

// commentsHeading 评论段落的标题，补写评论时按它定位
const commentsHeading = "## 热门评论"

// frontmatter 记录文件头部的 YAML 元数据
type frontmatter struct {
	Series    string   `yaml:"series"`
	Title     string   `yaml:"title"`
	Author    string   `yaml:"author,omitempty"`
	Episode   int      `yaml:"episode"`
	Thumbnail string   `yaml:"thumbnail,omitempty"`
	Created   string   `yaml:"created"`
	Tags      []string `yaml:"tags"`
}

// Builder 把单话内容渲染为 Markdown 记录
type Builder struct{}

// NewBuilder 创建记录构建器
func NewBuilder() *Builder {
	return &Builder{}
}

// Build 生成完整记录。imagePaths 是库内本地路径，流式优先模式下
// 这些文件可能尚未存在；comments 为 nil 时省略评论段落。
func (b *Builder) Build(series model.SeriesInfo, detail *fetcher.EpisodeDetail, imagePaths []string, thumbnailPath string, comments []fetcher.Comment) (string, error) {
	fm := frontmatter{
		Series:    series.ID,
		Title:     series.Title,
		Author:    series.Author,
		Episode:   detail.EpisodeNo,
		Thumbnail: thumbnailPath,
		Created:   time.Now().Format("2006-01-02 15:04:05"),
		Tags:      []string{"webtoon", "archive"},
	}

	head, err := yaml.Marshal(&fm)
	if err != nil {
		return "", fmt.Errorf("渲染记录头失败: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(head)
	sb.WriteString("---\n\n")

	sb.WriteString(fmt.Sprintf("# %s - 第 %d 话", series.Title, detail.EpisodeNo))
	if detail.Subtitle != "" {
		sb.WriteString(" " + detail.Subtitle)
	}
	sb.WriteString("\n\n")

	if detail.AuthorComment != "" {
		sb.WriteString("> 作者的话：" + strings.ReplaceAll(detail.AuthorComment, "\n", " ") + "\n\n")
	}

	for _, p := range imagePaths {
		sb.WriteString(fmt.Sprintf("![](%s)\n", p))
	}

	if len(comments) > 0 {
		sb.WriteString("\n")
		sb.WriteString(renderComments(comments))
	}

	return sb.String(), nil
}

// PatchComments 把评论段落补写进已存在的记录。
// 已有评论段落时整段替换，保证补写幂等。
func (b *Builder) PatchComments(content string, comments []fetcher.Comment) string {
	if len(comments) == 0 {
		return content
	}

	if idx := strings.Index(content, commentsHeading); idx >= 0 {
		content = strings.TrimRight(content[:idx], "\n") + "\n"
	}
	return strings.TrimRight(content, "\n") + "\n\n" + renderComments(comments)
}

// renderComments 渲染评论段落
func renderComments(comments []fetcher.Comment) string {
	var sb strings.Builder
	sb.WriteString(commentsHeading + "\n\n")
	for _, c := range comments {
		sb.WriteString(fmt.Sprintf("- **%s** (👍 %d): %s\n", c.Author, c.Likes, strings.ReplaceAll(c.Body, "\n", " ")))
	}
	return sb.String()
}
