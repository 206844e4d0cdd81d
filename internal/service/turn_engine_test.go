package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chat-room-go/internal/model"
	"chat-room-go/internal/repository"
	"chat-room-go/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct {
	mu       sync.Mutex
	calls    []llm.Request
	script   []func(ctx context.Context) (*llm.Response, error)
	fallback func(ctx context.Context) (*llm.Response, error)
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	idx := len(g.calls)
	g.calls = append(g.calls, req)
	step := g.fallback
	if idx < len(g.script) {
		step = g.script[idx]
	}
	g.mu.Unlock()
	if step == nil {
		return nil, errors.New("no scripted response")
	}
	return step(ctx)
}

func (g *scriptedGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptedGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	req := g.calls[len(g.calls)-1]
	return req.Messages[len(req.Messages)-1].Content
}

func toolReply(name string, args map[string]string) func(context.Context) (*llm.Response, error) {
	raw, _ := json.Marshal(args)
	return func(context.Context) (*llm.Response, error) {
		return &llm.Response{ToolCall: &llm.ToolCall{Name: name, Arguments: raw}}, nil
	}
}

func textReply(content string) func(context.Context) (*llm.Response, error) {
	return func(context.Context) (*llm.Response, error) {
		return &llm.Response{Content: content}, nil
	}
}

func failReply(context.Context) (*llm.Response, error) {
	return nil, errors.New("upstream unavailable")
}

type fixture struct {
	store  *repository.MemoryStore
	log    ConversationLog
	rooms  RoomService
	engine TurnEngine
	room   *model.Room
	gen    *scriptedGenerator
}

func newFixture(t *testing.T, gen *scriptedGenerator, opts EngineOptions) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	convLog := NewConversationLog(store.Messages())
	rooms := NewRoomService(store.Rooms(), store.Characters(), convLog, DefaultRoles())
	engine := NewTurnEngine(store.Rooms(), store.Characters(), convLog, gen, opts)

	ctx := context.Background()
	room, err := rooms.CreateRoom(ctx, "教室", "现代都市的高中", "u1")
	require.NoError(t, err)
	_, err = rooms.CreateCharacter(ctx, room.ID, "小明", "学生，性格开朗")
	require.NoError(t, err)
	_, err = rooms.CreateCharacter(ctx, room.ID, "小红", "学生，班长")
	require.NoError(t, err)

	return &fixture{store: store, log: convLog, rooms: rooms, engine: engine, room: room, gen: gen}
}

func (f *fixture) history(t *testing.T) []model.Message {
	t.Helper()
	h, err := f.log.ReadHistory(context.Background(), f.room.ID)
	require.NoError(t, err)
	return h
}

func (f *fixture) say(t *testing.T, name, content string) {
	t.Helper()
	roster, err := f.rooms.ListCharacters(context.Background(), f.room.ID)
	require.NoError(t, err)
	c := model.FindCharacterByName(roster, name)
	require.NotNil(t, c)
	_, err = f.rooms.CreateMessage(context.Background(), f.room.ID, c.ID, content)
	require.NoError(t, err)
}

func TestRunCharacterTurnAppendsOneMessage(t *testing.T) {
	gen := &scriptedGenerator{script: []func(context.Context) (*llm.Response, error){
		toolReply(actorToolName, map[string]string{
			"character_name":   "小明",
			"response_content": "大家早上好！",
			"current_location": "教室门口",
			"status":           "精神饱满",
			"next_speaker":     "小红",
		}),
	}}
	f := newFixture(t, gen, EngineOptions{})
	f.say(t, "旁白", "清晨的教室里阳光明媚。")
	f.say(t, "小红", "早上好。")

	res, err := f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{
		RoomID:        f.room.ID,
		CharacterName: "小明",
		AdminAnalysis: "小明应当回应小红的问候",
	})
	require.NoError(t, err)
	assert.Equal(t, TurnCharacter, res.Kind)
	assert.Equal(t, "小明", res.CharacterName)
	assert.Equal(t, "大家早上好！", res.Content)
	assert.Equal(t, "小红", res.NextSpeaker)
	assert.Equal(t, "教室门口", res.CurrentLocation)
	require.NotNil(t, res.Message)
	assert.EqualValues(t, 3, res.Message.Seq)

	history := f.history(t)
	require.Len(t, history, 3)
	assert.Equal(t, "小明", history[2].CharacterName)
	assert.Equal(t, "精神饱满", history[2].Status)

	prompt := f.gen.lastPrompt()
	assert.Contains(t, prompt, "小明应当回应小红的问候")
	assert.Contains(t, prompt, "清晨的教室里阳光明媚。")
	assert.Contains(t, prompt, "现代都市的高中")
	assert.Equal(t, actorToolName, f.gen.calls[0].Tools[0].Function.Name)
}

func TestRunAdminTurnOnEmptyHistory(t *testing.T) {
	gen := &scriptedGenerator{script: []func(context.Context) (*llm.Response, error){
		toolReply(adminToolName, map[string]string{"analysis_content": "故事尚未开始，由小明开场", "next_speaker": "小明"}),
	}}
	f := newFixture(t, gen, EngineOptions{})

	res, err := f.engine.RunAdminTurn(context.Background(), AdminTurnRequest{RoomID: f.room.ID})
	require.NoError(t, err)
	assert.Equal(t, TurnAdmin, res.Kind)
	assert.Equal(t, "ai管理员", res.CharacterName)
	assert.Equal(t, "小明", res.NextSpeaker)

	history := f.history(t)
	require.Len(t, history, 1)
	assert.Equal(t, "故事尚未开始，由小明开场", history[0].Content)
	assert.Equal(t, "小明", history[0].NextSpeaker)
	assert.Contains(t, f.gen.lastPrompt(), "（暂无对话）")
}

func TestRunCharacterTurnRejectsUnknownCharacter(t *testing.T) {
	gen := &scriptedGenerator{fallback: textReply("不应被调用")}
	f := newFixture(t, gen, EngineOptions{})

	_, err := f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{
		RoomID:            f.room.ID,
		CharacterName:     "小刚",
		CharacterSettings: []string{"小明: 学生", "小红: 班长"},
	})
	require.Error(t, err)
	assert.Equal(t, CodeUnknownCharacter, CodeOf(err))

	// 设定里有但房间里没有
	_, err = f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{
		RoomID:            f.room.ID,
		CharacterName:     "小刚",
		CharacterSettings: []string{"小刚：转学生"},
	})
	assert.Equal(t, CodeUnknownCharacter, CodeOf(err))

	assert.Zero(t, gen.callCount())
	assert.Empty(t, f.history(t))
}

func TestGenerationFailureLeavesLogUntouched(t *testing.T) {
	gen := &scriptedGenerator{fallback: failReply}
	f := newFixture(t, gen, EngineOptions{MaxAttempts: 2, RetryBackoff: time.Millisecond})
	f.say(t, "旁白", "开场")

	_, err := f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{RoomID: f.room.ID, CharacterName: "小明"})
	require.Error(t, err)
	assert.Equal(t, CodeGenerationFailed, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2, gen.callCount())
	assert.Len(t, f.history(t), 1)
}

func TestRetrySucceedsWithSingleAppend(t *testing.T) {
	gen := &scriptedGenerator{script: []func(context.Context) (*llm.Response, error){
		failReply,
		textReply("第二次才成功"),
	}}
	f := newFixture(t, gen, EngineOptions{MaxAttempts: 3})

	res, err := f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{RoomID: f.room.ID, CharacterName: "小红"})
	require.NoError(t, err)
	assert.Equal(t, "第二次才成功", res.Content)
	assert.Equal(t, 2, gen.callCount())
	assert.Len(t, f.history(t), 1)
}

func TestEmptyOutputCountsAsFailure(t *testing.T) {
	gen := &scriptedGenerator{fallback: textReply("   ")}
	f := newFixture(t, gen, EngineOptions{})

	_, err := f.engine.RunAdminTurn(context.Background(), AdminTurnRequest{RoomID: f.room.ID})
	assert.Equal(t, CodeGenerationFailed, CodeOf(err))
	assert.Empty(t, f.history(t))
}

func TestGenerationTimeout(t *testing.T) {
	gen := &scriptedGenerator{fallback: func(ctx context.Context) (*llm.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, gen, EngineOptions{GenerationTimeout: 20 * time.Millisecond})

	_, err := f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{RoomID: f.room.ID, CharacterName: "小明"})
	require.Error(t, err)
	assert.Equal(t, CodeGenerationFailed, CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.history(t))
}

func TestConcurrentTurnsBothCommit(t *testing.T) {
	gen := &scriptedGenerator{fallback: textReply("同时发言")}
	f := newFixture(t, gen, EngineOptions{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, name := range []string{"小明", "小红"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, errs[i] = f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{RoomID: f.room.ID, CharacterName: name})
		}(i, name)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	history := f.history(t)
	require.Len(t, history, 2)
	assert.EqualValues(t, 1, history[0].Seq)
	assert.EqualValues(t, 2, history[1].Seq)
}

func TestSerializePerRoom(t *testing.T) {
	var running, peak int32
	gen := &scriptedGenerator{fallback: func(context.Context) (*llm.Response, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return &llm.Response{Content: "依次发言"}, nil
	}}
	f := newFixture(t, gen, EngineOptions{SerializePerRoom: true})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{RoomID: f.room.ID, CharacterName: "小明"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&peak))
	assert.Len(t, f.history(t), 4)
}

func TestHistoryLimitTrimsPrompt(t *testing.T) {
	gen := &scriptedGenerator{fallback: textReply("好的")}
	f := newFixture(t, gen, EngineOptions{HistoryLimit: 1})
	f.say(t, "旁白", "很久以前的事")
	f.say(t, "小红", "刚刚发生的事")

	_, err := f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{RoomID: f.room.ID, CharacterName: "小明"})
	require.NoError(t, err)
	prompt := gen.lastPrompt()
	assert.Contains(t, prompt, "刚刚发生的事")
	assert.NotContains(t, prompt, "很久以前的事")
}

func TestAdminAnalysisFallsBackToLog(t *testing.T) {
	gen := &scriptedGenerator{script: []func(context.Context) (*llm.Response, error){
		toolReply(adminToolName, map[string]string{"analysis_content": "请小红推动剧情", "next_speaker": "小红"}),
		textReply("我来说两句"),
	}}
	f := newFixture(t, gen, EngineOptions{})

	_, err := f.engine.RunAdminTurn(context.Background(), AdminTurnRequest{RoomID: f.room.ID})
	require.NoError(t, err)
	_, err = f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{RoomID: f.room.ID, CharacterName: "小红"})
	require.NoError(t, err)
	assert.Contains(t, gen.lastPrompt(), "管理员分析:\n请小红推动剧情")
}

func TestSeedOpening(t *testing.T) {
	f := newFixture(t, &scriptedGenerator{}, EngineOptions{})
	ctx := context.Background()

	res, err := f.engine.SeedOpening(ctx, f.room.ID, "夜幕降临，故事开始了。")
	require.NoError(t, err)
	assert.Equal(t, TurnSeed, res.Kind)
	assert.Equal(t, "旁白", res.CharacterName)
	assert.EqualValues(t, 1, res.Message.Seq)

	_, err = f.engine.SeedOpening(ctx, f.room.ID, "再来一次")
	assert.Equal(t, CodeAlreadySeeded, CodeOf(err))
	assert.Len(t, f.history(t), 1)
}

func TestNextStepAndAdvance(t *testing.T) {
	gen := &scriptedGenerator{script: []func(context.Context) (*llm.Response, error){
		toolReply(adminToolName, map[string]string{"analysis_content": "轮到小明", "next_speaker": "小明"}),
		toolReply(actorToolName, map[string]string{"character_name": "小明", "response_content": "我来了", "next_speaker": "小红"}),
	}}
	f := newFixture(t, gen, EngineOptions{})
	ctx := context.Background()

	state, err := f.engine.NextStep(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, StepSeeding, state.Next)
	assert.Equal(t, PhaseIdle, state.Phase)

	_, err = f.engine.Advance(ctx, f.room.ID)
	assert.Equal(t, CodeProtocolError, CodeOf(err))

	_, err = f.engine.SeedOpening(ctx, f.room.ID, "开场白")
	require.NoError(t, err)
	state, err = f.engine.NextStep(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingAdmin, state.Next)

	res, err := f.engine.Advance(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, TurnAdmin, res.Kind)

	state, err = f.engine.NextStep(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingCharacter, state.Next)
	assert.Equal(t, "小明", state.NextCharacter)

	res, err = f.engine.Advance(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, "小明", res.CharacterName)

	state, err = f.engine.NextStep(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingAdmin, state.Next)
	assert.Equal(t, 3, state.HistoryLength)
}

func TestAdvanceFallsBackToAdminWhenNomineeNotInRoster(t *testing.T) {
	gen := &scriptedGenerator{script: []func(context.Context) (*llm.Response, error){
		toolReply(adminToolName, map[string]string{"analysis_content": "让老王出场", "next_speaker": "老王"}),
		toolReply(adminToolName, map[string]string{"analysis_content": "还是小明吧", "next_speaker": "【小明】"}),
		toolReply(actorToolName, map[string]string{"response_content": "我来了", "next_speaker": "小红"}),
	}}
	f := newFixture(t, gen, EngineOptions{})
	ctx := context.Background()

	_, err := f.engine.SeedOpening(ctx, f.room.ID, "开场白")
	require.NoError(t, err)
	res, err := f.engine.Advance(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, "老王", res.NextSpeaker)

	state, err := f.engine.NextStep(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingAdmin, state.Next)
	assert.Empty(t, state.NextCharacter)

	res, err = f.engine.Advance(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, TurnAdmin, res.Kind)

	state, err = f.engine.NextStep(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingCharacter, state.Next)
	assert.Equal(t, "小明", state.NextCharacter)

	res, err = f.engine.Advance(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, TurnCharacter, res.Kind)
	assert.Equal(t, "小明", res.CharacterName)
	assert.Equal(t, 3, gen.callCount())
}

func TestAdminNomineeIsNeverTheAdmin(t *testing.T) {
	gen := &scriptedGenerator{script: []func(context.Context) (*llm.Response, error){
		toolReply(adminToolName, map[string]string{"analysis_content": "我自己来", "next_speaker": "ai管理员"}),
	}}
	f := newFixture(t, gen, EngineOptions{})
	ctx := context.Background()

	_, err := f.engine.RunAdminTurn(ctx, AdminTurnRequest{RoomID: f.room.ID})
	require.NoError(t, err)
	state, err := f.engine.NextStep(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingAdmin, state.Next)
}

func TestAdminEveryAllowsSeveralCharacterTurns(t *testing.T) {
	gen := &scriptedGenerator{script: []func(context.Context) (*llm.Response, error){
		toolReply(adminToolName, map[string]string{"analysis_content": "轮到小明", "next_speaker": "小明"}),
		toolReply(actorToolName, map[string]string{"response_content": "我先说", "next_speaker": "小红"}),
	}}
	f := newFixture(t, gen, EngineOptions{AdminEvery: 2})
	ctx := context.Background()

	_, err := f.engine.RunAdminTurn(ctx, AdminTurnRequest{RoomID: f.room.ID})
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, f.room.ID)
	require.NoError(t, err)

	state, err := f.engine.NextStep(ctx, f.room.ID)
	require.NoError(t, err)
	assert.Equal(t, StepAwaitingCharacter, state.Next)
	assert.Equal(t, "小红", state.NextCharacter)
}

func TestUnknownRoom(t *testing.T) {
	f := newFixture(t, &scriptedGenerator{}, EngineOptions{})
	_, err := f.engine.RunAdminTurn(context.Background(), AdminTurnRequest{RoomID: "missing"})
	assert.Equal(t, CodeRoomNotFound, CodeOf(err))
	_, err = f.engine.NextStep(context.Background(), "missing")
	assert.Equal(t, CodeRoomNotFound, CodeOf(err))
}

func TestEmptyRoomIDIsProtocolError(t *testing.T) {
	f := newFixture(t, &scriptedGenerator{}, EngineOptions{})
	_, err := f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{CharacterName: "小明"})
	assert.Equal(t, CodeProtocolError, CodeOf(err))
	_, err = f.engine.RunCharacterTurn(context.Background(), CharacterTurnRequest{RoomID: f.room.ID})
	assert.Equal(t, CodeProtocolError, CodeOf(err))
}
