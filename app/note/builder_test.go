package note

import (
	"strings"
	"testing"

	"toon-archive/app/fetcher"
	"toon-archive/app/model"
)

var testSeries = model.SeriesInfo{ID: "wt-1024", Title: "恋爱革命", Author: "232"}

func testDetail() *fetcher.EpisodeDetail {
	return &fetcher.EpisodeDetail{
		EpisodeNo:     3,
		Subtitle:      "初次见面",
		AuthorComment: "感谢大家的等待\n下周继续",
	}
}

func TestBuildRecord(t *testing.T) {
	b := NewBuilder()

	content, err := b.Build(testSeries, testDetail(), []string{"恋爱革命/003-初次见面/001.jpg", "恋爱革命/003-初次见面/002.jpg"}, "恋爱革命/003-初次见面/thumb.jpg", nil)
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}

	if !strings.HasPrefix(content, "---\n") {
		t.Error("记录应以 YAML 头开始")
	}
	for _, want := range []string{
		"series: wt-1024",
		"title: 恋爱革命",
		"author: \"232\"",
		"episode: 3",
		"# 恋爱革命 - 第 3 话 初次见面",
		"> 作者的话：感谢大家的等待 下周继续",
		"![](恋爱革命/003-初次见面/001.jpg)",
		"![](恋爱革命/003-初次见面/002.jpg)",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("记录缺少 %q\n%s", want, content)
		}
	}
	if strings.Contains(content, commentsHeading) {
		t.Error("无评论时不应出现评论段落")
	}
}

func TestBuildRecordWithComments(t *testing.T) {
	b := NewBuilder()

	comments := []fetcher.Comment{
		{Author: "读者A", Body: "太好看了", Likes: 99},
		{Author: "读者B", Body: "第一行\n第二行", Likes: 7},
	}
	content, err := b.Build(testSeries, testDetail(), nil, "", comments)
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}

	if !strings.Contains(content, commentsHeading) {
		t.Fatal("缺少评论段落")
	}
	if !strings.Contains(content, "- **读者A** (👍 99): 太好看了") {
		t.Error("评论渲染不符")
	}
	if !strings.Contains(content, "第一行 第二行") {
		t.Error("评论换行未折叠")
	}
}

func TestPatchCommentsAppends(t *testing.T) {
	b := NewBuilder()

	content, err := b.Build(testSeries, testDetail(), []string{"a/001.jpg"}, "", nil)
	if err != nil {
		t.Fatalf("Build 失败: %v", err)
	}

	patched := b.PatchComments(content, []fetcher.Comment{{Author: "读者", Body: "沙发", Likes: 1}})
	if !strings.Contains(patched, commentsHeading) {
		t.Fatal("补写后缺少评论段落")
	}
	if !strings.Contains(patched, "![](a/001.jpg)") {
		t.Error("补写不应破坏原有内容")
	}
}

func TestPatchCommentsIdempotent(t *testing.T) {
	b := NewBuilder()

	content, _ := b.Build(testSeries, testDetail(), nil, "", nil)
	first := b.PatchComments(content, []fetcher.Comment{{Author: "读者", Body: "旧评论", Likes: 1}})
	second := b.PatchComments(first, []fetcher.Comment{{Author: "读者", Body: "新评论", Likes: 2}})

	if strings.Count(second, commentsHeading) != 1 {
		t.Error("重复补写产生了多个评论段落")
	}
	if strings.Contains(second, "旧评论") {
		t.Error("旧评论段落未被替换")
	}
	if !strings.Contains(second, "新评论") {
		t.Error("新评论未写入")
	}
}

func TestPatchCommentsEmptyIsNoop(t *testing.T) {
	b := NewBuilder()

	content, _ := b.Build(testSeries, testDetail(), nil, "", nil)
	if got := b.PatchComments(content, nil); got != content {
		t.Error("空评论补写应保持原样")
	}
}
