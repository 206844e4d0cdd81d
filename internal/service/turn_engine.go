package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chat-room-go/internal/model"
	"chat-room-go/internal/repository"
	"chat-room-go/pkg/llm"
	"chat-room-go/pkg/log"
)

// TurnKind 标识一次回合的类型。
type TurnKind string

const (
	TurnAdmin     TurnKind = "admin"
	TurnCharacter TurnKind = "character"
	TurnSeed      TurnKind = "seed"
)

// Step 是房间的下一步编排动作，由对话日志推导得出。
type Step string

const (
	StepSeeding           Step = "seeding"
	StepAwaitingAdmin     Step = "awaiting_admin"
	StepAwaitingCharacter Step = "awaiting_character"
)

// Phase 表示房间当前是否有回合在执行。
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
)

// AdminTurnRequest 是管理员分析回合的输入。WorldBackground 和 CharacterSettings
// 为空时分别取房间世界观与房间阵容。
type AdminTurnRequest struct {
	RoomID            string
	WorldBackground   string
	CharacterSettings []string
}

// CharacterTurnRequest 是角色发言回合的输入。AdminAnalysis 为空时取日志中最近一次管理员分析。
type CharacterTurnRequest struct {
	RoomID            string
	WorldBackground   string
	CharacterSettings []string
	AdminAnalysis     string
	CharacterName     string
}

// TurnResult 是一次成功回合的输出以及它写入日志的消息。
type TurnResult struct {
	Kind            TurnKind
	RoomID          string
	CharacterID     string
	CharacterName   string
	Content         string
	NextSpeaker     string
	CurrentLocation string
	Status          string
	Message         *model.Message
}

// RoomState 是房间编排状态的快照。
type RoomState struct {
	RoomID        string `json:"room_id"`
	Phase         Phase  `json:"phase"`
	Next          Step   `json:"next"`
	NextCharacter string `json:"next_character,omitempty"`
	HistoryLength int    `json:"history_length"`
	InFlight      int    `json:"in_flight"`
}

// EngineOptions 控制回合引擎的重试、超时与上下文窗口。
type EngineOptions struct {
	GenerationTimeout time.Duration
	MaxAttempts       int
	RetryBackoff      time.Duration
	// HistoryLimit 为 0 时把整段日志放入上下文。
	HistoryLimit int
	// AdminEvery 是两次管理员分析之间的角色回合数。
	AdminEvery       int
	SerializePerRoom bool
	Generation       *llm.GenerationParams
	Roles            Roles
}

// TurnEngine 为单个房间决定并执行下一步编排动作。
// 每次调用都从对话日志重新构建上下文，成功后恰好追加一条消息，失败时不写日志。
type TurnEngine interface {
	RunAdminTurn(ctx context.Context, req AdminTurnRequest) (*TurnResult, error)
	RunCharacterTurn(ctx context.Context, req CharacterTurnRequest) (*TurnResult, error)
	// SeedOpening 在日志为空时以旁白身份写入开场白。
	SeedOpening(ctx context.Context, roomID, content string) (*TurnResult, error)
	NextStep(ctx context.Context, roomID string) (*RoomState, error)
	// Advance 执行 NextStep 给出的下一步。
	Advance(ctx context.Context, roomID string) (*TurnResult, error)
}

type turnEngine struct {
	rooms      repository.RoomRepository
	characters repository.CharacterRepository
	convLog    ConversationLog
	llmClient  llm.Client
	opts       EngineOptions
	locks      *roomLocks

	mu       sync.Mutex
	inflight map[string]int
}

// NewTurnEngine 创建一个新的 TurnEngine 实例。
func NewTurnEngine(rooms repository.RoomRepository, characters repository.CharacterRepository, convLog ConversationLog, llmClient llm.Client, opts EngineOptions) TurnEngine {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.AdminEvery < 1 {
		opts.AdminEvery = 1
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 60 * time.Second
	}
	if opts.Roles.Admin == "" || opts.Roles.Narrator == "" {
		opts.Roles = DefaultRoles()
	}
	return &turnEngine{
		rooms:      rooms,
		characters: characters,
		convLog:    convLog,
		llmClient:  llmClient,
		opts:       opts,
		locks:      newRoomLocks(),
		inflight:   make(map[string]int),
	}
}

func (e *turnEngine) RunAdminTurn(ctx context.Context, req AdminTurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.RoomID) == "" {
		return nil, NewProtocolError("room_id 不能为空", nil)
	}
	var result *TurnResult
	err := e.withRoom(req.RoomID, e.opts.SerializePerRoom, func() error {
		tc, _, err := e.buildContext(ctx, req.RoomID, req.WorldBackground, req.CharacterSettings)
		if err != nil {
			return err
		}
		admin := model.FindCharacterByName(tc.Roster, e.opts.Roles.Admin)
		if admin == nil {
			return newTurnError(CodeUnknownCharacter, fmt.Sprintf("房间缺少管理员角色「%s」", e.opts.Roles.Admin), nil)
		}

		var out adminOutput
		err = e.generate(ctx, req.RoomID, TurnAdmin, buildAdminRequest(tc, e.opts.Generation), func(resp *llm.Response) error {
			parsed, perr := parseAdminOutput(resp)
			if perr == nil {
				out = parsed
			}
			return perr
		})
		if err != nil {
			return err
		}

		msg, err := e.commit(ctx, Entry{
			RoomID:        req.RoomID,
			CharacterID:   admin.ID,
			CharacterName: admin.Name,
			Content:       out.AnalysisContent,
			NextSpeaker:   out.NextSpeaker,
		})
		if err != nil {
			return err
		}
		result = &TurnResult{
			Kind:          TurnAdmin,
			RoomID:        req.RoomID,
			CharacterID:   admin.ID,
			CharacterName: admin.Name,
			Content:       out.AnalysisContent,
			NextSpeaker:   out.NextSpeaker,
			Message:       msg,
		}
		return nil
	})
	return result, err
}

func (e *turnEngine) RunCharacterTurn(ctx context.Context, req CharacterTurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.RoomID) == "" {
		return nil, NewProtocolError("room_id 不能为空", nil)
	}
	name := strings.TrimSpace(req.CharacterName)
	if name == "" {
		return nil, NewProtocolError("character_name 不能为空", nil)
	}

	var result *TurnResult
	err := e.withRoom(req.RoomID, e.opts.SerializePerRoom, func() error {
		tc, full, err := e.buildContext(ctx, req.RoomID, req.WorldBackground, req.CharacterSettings)
		if err != nil {
			return err
		}
		if !tc.hasSetting(name) {
			return newTurnError(CodeUnknownCharacter, fmt.Sprintf("人物设定中没有角色「%s」", name), nil)
		}
		speaker := model.FindCharacterByName(tc.Roster, name)
		if speaker == nil {
			return newTurnError(CodeUnknownCharacter, fmt.Sprintf("房间中没有角色「%s」", name), nil)
		}
		tc.AdminAnalysis = strings.TrimSpace(req.AdminAnalysis)
		if tc.AdminAnalysis == "" {
			if last := e.lastAdminMessage(full); last != nil {
				tc.AdminAnalysis = last.Content
			}
		}

		var out actorOutput
		err = e.generate(ctx, req.RoomID, TurnCharacter, buildCharacterRequest(tc, name, e.opts.Generation), func(resp *llm.Response) error {
			parsed, perr := parseActorOutput(resp)
			if perr == nil {
				out = parsed
			}
			return perr
		})
		if err != nil {
			return err
		}

		// 作者始终是被请求的角色，模型返回的名字只作参考
		msg, err := e.commit(ctx, Entry{
			RoomID:          req.RoomID,
			CharacterID:     speaker.ID,
			CharacterName:   speaker.Name,
			Content:         out.ResponseContent,
			CurrentLocation: out.CurrentLocation,
			Status:          out.Status,
			NextSpeaker:     out.NextSpeaker,
		})
		if err != nil {
			return err
		}
		result = &TurnResult{
			Kind:            TurnCharacter,
			RoomID:          req.RoomID,
			CharacterID:     speaker.ID,
			CharacterName:   speaker.Name,
			Content:         out.ResponseContent,
			NextSpeaker:     out.NextSpeaker,
			CurrentLocation: out.CurrentLocation,
			Status:          out.Status,
			Message:         msg,
		}
		return nil
	})
	return result, err
}

func (e *turnEngine) SeedOpening(ctx context.Context, roomID, content string) (*TurnResult, error) {
	content = strings.TrimSpace(content)
	if strings.TrimSpace(roomID) == "" || content == "" {
		return nil, NewProtocolError("room_id 和 content 不能为空", nil)
	}
	var result *TurnResult
	// 开场白总是在房间锁内写入，同一实例上的并发开场只有一个成功
	err := e.withRoom(roomID, true, func() error {
		if _, err := e.loadRoom(ctx, roomID); err != nil {
			return err
		}
		roster, err := e.loadRoster(ctx, roomID)
		if err != nil {
			return err
		}
		narrator := model.FindCharacterByName(roster, e.opts.Roles.Narrator)
		if narrator == nil {
			return newTurnError(CodeUnknownCharacter, fmt.Sprintf("房间缺少旁白角色「%s」", e.opts.Roles.Narrator), nil)
		}
		history, err := e.convLog.ReadHistory(ctx, roomID)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			return newTurnError(CodeAlreadySeeded, "房间已有对话，不能再写入开场白", nil)
		}
		msg, err := e.commit(ctx, Entry{
			RoomID:        roomID,
			CharacterID:   narrator.ID,
			CharacterName: narrator.Name,
			Content:       content,
		})
		if err != nil {
			return err
		}
		result = &TurnResult{
			Kind:          TurnSeed,
			RoomID:        roomID,
			CharacterID:   narrator.ID,
			CharacterName: narrator.Name,
			Content:       content,
			Message:       msg,
		}
		return nil
	})
	return result, err
}

func (e *turnEngine) NextStep(ctx context.Context, roomID string) (*RoomState, error) {
	if _, err := e.loadRoom(ctx, roomID); err != nil {
		return nil, err
	}
	history, err := e.convLog.ReadHistory(ctx, roomID)
	if err != nil {
		return nil, err
	}
	state := &RoomState{
		RoomID:        roomID,
		Phase:         PhaseIdle,
		HistoryLength: len(history),
		InFlight:      e.inFlight(roomID),
	}
	if state.InFlight > 0 {
		state.Phase = PhaseRunning
	}
	roster, err := e.loadRoster(ctx, roomID)
	if err != nil {
		return nil, err
	}
	state.Next, state.NextCharacter = e.deriveStep(history, roster)
	return state, nil
}

// deriveStep 从日志推导下一步：空日志需要开场；距上次管理员分析的角色回合数
// 达到 AdminEvery 时轮到管理员；否则轮到最近一次被提名的角色。
// 提名必须能在阵容中解析到一个普通角色，否则交回管理员重新分析。
func (e *turnEngine) deriveStep(history []model.Message, roster []model.Character) (Step, string) {
	if len(history) == 0 {
		return StepSeeding, ""
	}
	characterTurns := 0
	nominee := ""
	sawAdmin := false
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if nominee == "" && m.NextSpeaker != "" {
			nominee = m.NextSpeaker
		}
		if m.CharacterName == e.opts.Roles.Admin {
			sawAdmin = true
			break
		}
		if m.CharacterName != e.opts.Roles.Narrator {
			characterTurns++
		}
	}
	if !sawAdmin || characterTurns >= e.opts.AdminEvery || nominee == "" {
		return StepAwaitingAdmin, ""
	}
	speaker := e.resolveNominee(roster, nominee)
	if speaker == nil {
		log.Warnf("提名的下一位发言者不在阵容中，交回管理员: nominee=%q", nominee)
		return StepAwaitingAdmin, ""
	}
	return StepAwaitingCharacter, speaker.Name
}

// nomineeCutset 是模型常在名字两侧加上的括号与引号。
const nomineeCutset = " \t\r\n　【】[]「」『』《》<>()（）\"'“”‘’"

// resolveNominee 把模型给出的 next_speaker 提示解析为阵容中的普通角色。
func (e *turnEngine) resolveNominee(roster []model.Character, hint string) *model.Character {
	name := strings.Trim(hint, nomineeCutset)
	if name == "" || name == e.opts.Roles.Admin {
		return nil
	}
	return model.FindCharacterByName(roster, name)
}

func (e *turnEngine) Advance(ctx context.Context, roomID string) (*TurnResult, error) {
	state, err := e.NextStep(ctx, roomID)
	if err != nil {
		return nil, err
	}
	switch state.Next {
	case StepSeeding:
		return nil, NewProtocolError("房间尚无开场白，请先写入旁白开场", nil)
	case StepAwaitingCharacter:
		return e.RunCharacterTurn(ctx, CharacterTurnRequest{RoomID: roomID, CharacterName: state.NextCharacter})
	default:
		return e.RunAdminTurn(ctx, AdminTurnRequest{RoomID: roomID})
	}
}

// buildContext 重新读取房间、阵容与日志。返回的第二个值是未截断的完整日志。
func (e *turnEngine) buildContext(ctx context.Context, roomID, world string, settings []string) (*TurnContext, []model.Message, error) {
	room, err := e.loadRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	roster, err := e.loadRoster(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	full, err := e.convLog.ReadHistory(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}

	tc := &TurnContext{
		Room:              room,
		Roster:            roster,
		History:           full,
		WorldBackground:   strings.TrimSpace(world),
		CharacterSettings: settings,
	}
	if e.opts.HistoryLimit > 0 && len(full) > e.opts.HistoryLimit {
		tc.History = full[len(full)-e.opts.HistoryLimit:]
	}
	if tc.WorldBackground == "" {
		tc.WorldBackground = room.Worldview
	}
	if len(tc.CharacterSettings) == 0 {
		tc.CharacterSettings = make([]string, 0, len(roster))
		for _, c := range roster {
			tc.CharacterSettings = append(tc.CharacterSettings, c.Setting())
		}
	}
	return tc, full, nil
}

func (e *turnEngine) lastAdminMessage(history []model.Message) *model.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].CharacterName == e.opts.Roles.Admin {
			return &history[i]
		}
	}
	return nil
}

func (e *turnEngine) loadRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := e.rooms.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newTurnError(CodeRoomNotFound, "房间不存在", err)
		}
		return nil, newTurnError(CodeStoreUnavailable, "读取房间失败", err)
	}
	return room, nil
}

func (e *turnEngine) loadRoster(ctx context.Context, roomID string) ([]model.Character, error) {
	roster, err := e.characters.FindByRoom(ctx, roomID)
	if err != nil {
		return nil, newTurnError(CodeStoreUnavailable, "读取角色列表失败", err)
	}
	return roster, nil
}

// generate 调用生成服务，最多 MaxAttempts 次，每次受 GenerationTimeout 约束。
// accept 对响应做解析，返回错误时视为本次尝试失败。
func (e *turnEngine) generate(ctx context.Context, roomID string, kind TurnKind, req llm.Request, accept func(*llm.Response) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		log.Debugf("调用生成服务: roomID=%s, kind=%s, attempt=%d, messages=%d", roomID, kind, attempt, len(req.Messages))
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, e.opts.GenerationTimeout)
		resp, err := e.llmClient.Generate(callCtx, req)
		cancel()
		if err == nil {
			err = accept(resp)
		}
		if err == nil {
			log.Infow("生成服务调用成功", "roomID", roomID, "kind", kind, "attempt", attempt, "latency", time.Since(start).String())
			return nil
		}
		lastErr = err
		log.Warnw("生成服务调用失败", "roomID", roomID, "kind", kind, "attempt", attempt, "error", err)

		if attempt == e.opts.MaxAttempts || ctx.Err() != nil {
			break
		}
		if e.opts.RetryBackoff > 0 {
			select {
			case <-time.After(e.opts.RetryBackoff):
			case <-ctx.Done():
				return newTurnError(CodeGenerationFailed, "生成服务暂时不可用，请稍后重试", lastErr)
			}
		}
	}
	return newTurnError(CodeGenerationFailed, "生成服务暂时不可用，请稍后重试", lastErr)
}

// commit 把生成结果写入日志。生成已经成功，因此不再受调用方取消的影响。
func (e *turnEngine) commit(ctx context.Context, entry Entry) (*model.Message, error) {
	return e.convLog.Append(context.WithoutCancel(ctx), entry)
}

func (e *turnEngine) withRoom(roomID string, serialize bool, fn func() error) error {
	e.mu.Lock()
	e.inflight[roomID]++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.inflight[roomID] <= 1 {
			delete(e.inflight, roomID)
		} else {
			e.inflight[roomID]--
		}
		e.mu.Unlock()
	}()

	if serialize {
		return e.locks.Do(roomID, fn)
	}
	return fn()
}

func (e *turnEngine) inFlight(roomID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight[roomID]
}
