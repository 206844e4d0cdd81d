package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"chat-room-go/internal/model"
	"chat-room-go/pkg/llm"
)

const (
	adminToolName = "admin_analysis"
	actorToolName = "actor_response"
)

const adminSystemPrompt = "你是一个专业的AI管理员，负责根据世界观、人物设定和历史对话，" +
	"分析人物关系与剧情走向，并指定下一个说话的人物。\n\n" +
	"重要：你必须使用提供的工具函数来返回你的分析结果，而不是直接输出文本。"

const actorSystemPromptTemplate = "你现在要扮演角色【%s】，请根据世界观设定、角色设定、" +
	"历史对话以及管理员的分析进行角色扮演。\n\n" +
	"请完全沉浸在【%s】这个角色中，根据角色的性格、说话风格和当前状态生成符合设定的回复。\n\n" +
	"重要：你必须使用提供的工具函数来返回你的回复，而不是直接输出文本。"

var adminTool = llm.Tool{
	Type: "function",
	Function: llm.ToolFunction{
		Name:        adminToolName,
		Description: "AI管理员的分析结果",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "analysis_content": {"type": "string", "description": "管理员分析内容"},
    "next_speaker": {"type": "string", "description": "下一个说话的人物名字"}
  },
  "required": ["analysis_content", "next_speaker"]
}`),
	},
}

var actorTool = llm.Tool{
	Type: "function",
	Function: llm.ToolFunction{
		Name:        actorToolName,
		Description: "AI扮演者的回复信息",
		Parameters: json.RawMessage(`{
  "type": "object",
  "properties": {
    "character_name": {"type": "string", "description": "AI扮演者所扮演的人物姓名"},
    "response_content": {"type": "string", "description": "AI扮演者具体回复内容"},
    "current_location": {"type": "string", "description": "该人物目前位置"},
    "status": {"type": "string", "description": "该人物目前状态"},
    "next_speaker": {"type": "string", "description": "下一个说话的人物名字"}
  },
  "required": ["character_name", "response_content"]
}`),
	},
}

// TurnContext 是一次编排调用所需的全部上下文，每次调用重新构建，用完即弃。
type TurnContext struct {
	Room              *model.Room
	Roster            []model.Character
	History           []model.Message
	WorldBackground   string
	CharacterSettings []string
	AdminAnalysis     string
}

// settingName 提取 "名字: 描述" 形式设定中的名字，兼容全角冒号。
func settingName(setting string) string {
	s := strings.TrimSpace(setting)
	if i := strings.IndexAny(s, ":："); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func (tc *TurnContext) hasSetting(name string) bool {
	for _, s := range tc.CharacterSettings {
		if settingName(s) == name {
			return true
		}
	}
	return false
}

// buildUserPrompt 把上下文渲染为提示文本。
func buildUserPrompt(tc *TurnContext, characterName string) string {
	var b strings.Builder
	b.WriteString("世界观: ")
	b.WriteString(tc.WorldBackground)
	b.WriteString("\n人物设定:\n")
	for _, s := range tc.CharacterSettings {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}

	b.WriteString("\n历史对话:\n")
	if len(tc.History) == 0 {
		b.WriteString("（暂无对话）\n")
	}
	for _, m := range tc.History {
		b.WriteString(fmt.Sprintf("[%s] %s", m.CreatedAt.Format("2006-01-02 15:04:05"), m.CharacterName))
		if m.CurrentLocation != "" {
			b.WriteString(" [" + m.CurrentLocation + "]")
		}
		if m.Status != "" {
			b.WriteString(" [" + m.Status + "]")
		}
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	if characterName == "" {
		b.WriteString("\n请根据以上信息，以AI管理员的身份分析当前剧情并指定下一个说话的人物。")
		return b.String()
	}
	if tc.AdminAnalysis != "" {
		b.WriteString("\n管理员分析:\n")
		b.WriteString(tc.AdminAnalysis)
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("\n请根据以上信息，以【%s】的身份生成适当的回复。", characterName))
	return b.String()
}

func buildAdminRequest(tc *TurnContext, gen *llm.GenerationParams) llm.Request {
	return llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: adminSystemPrompt},
			{Role: "user", Content: buildUserPrompt(tc, "")},
		},
		Tools:      []llm.Tool{adminTool},
		ToolChoice: "auto",
		Generation: gen,
	}
}

func buildCharacterRequest(tc *TurnContext, characterName string, gen *llm.GenerationParams) llm.Request {
	return llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(actorSystemPromptTemplate, characterName, characterName)},
			{Role: "user", Content: buildUserPrompt(tc, characterName)},
		},
		Tools:      []llm.Tool{actorTool},
		ToolChoice: "auto",
		Generation: gen,
	}
}

type adminOutput struct {
	AnalysisContent string `json:"analysis_content"`
	NextSpeaker     string `json:"next_speaker"`
}

type actorOutput struct {
	CharacterName   string `json:"character_name"`
	ResponseContent string `json:"response_content"`
	CurrentLocation string `json:"current_location"`
	Status          string `json:"status"`
	NextSpeaker     string `json:"next_speaker"`
}

// parseAdminOutput 优先读取工具调用结果，否则退回纯文本。
func parseAdminOutput(resp *llm.Response) (adminOutput, error) {
	var out adminOutput
	if resp.ToolCall != nil && resp.ToolCall.Name == adminToolName {
		if err := json.Unmarshal(resp.ToolCall.Arguments, &out); err != nil {
			return out, fmt.Errorf("decode %s arguments: %w", adminToolName, err)
		}
	}
	if strings.TrimSpace(out.AnalysisContent) == "" {
		out.AnalysisContent = resp.Content
	}
	out.AnalysisContent = strings.TrimSpace(out.AnalysisContent)
	out.NextSpeaker = strings.TrimSpace(out.NextSpeaker)
	if out.AnalysisContent == "" {
		return out, fmt.Errorf("empty analysis")
	}
	return out, nil
}

func parseActorOutput(resp *llm.Response) (actorOutput, error) {
	var out actorOutput
	if resp.ToolCall != nil && resp.ToolCall.Name == actorToolName {
		if err := json.Unmarshal(resp.ToolCall.Arguments, &out); err != nil {
			return out, fmt.Errorf("decode %s arguments: %w", actorToolName, err)
		}
	}
	if strings.TrimSpace(out.ResponseContent) == "" {
		out.ResponseContent = resp.Content
	}
	out.ResponseContent = strings.TrimSpace(out.ResponseContent)
	out.NextSpeaker = strings.TrimSpace(out.NextSpeaker)
	if out.ResponseContent == "" {
		return out, fmt.Errorf("empty utterance")
	}
	return out, nil
}
