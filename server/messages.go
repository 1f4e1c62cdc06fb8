package server

import "encoding/json"

// 出站消息类型：每次状态变更恰好产出一条，载荷总是携带完整的
// 活跃/出局两个分区，客户端收到后整体替换本地视图
const (
	MsgInit                  = "game:init"
	MsgPlayerJoined          = "game:playerJoined"
	MsgPlayersUpdate         = "game:playersUpdate"
	MsgPlayerLeft            = "game:playerLeft"
	MsgStarted               = "game:started"
	MsgPiqueChanged          = "game:piqueChanged"
	MsgPiqueTransferred      = "game:piqueTransferred"
	MsgTwoPlayerModeStarted  = "game:twoPlayerModeStarted"
	MsgTwoPlayerModeFinished = "game:twoPlayerModeFinished"
	MsgFinished              = "game:finished"
	MsgPong                  = "pong"
)

type initPayload struct {
	PlayerID          string        `json:"playerId"`
	Player            PlayerState   `json:"player"`
	ActivePlayers     []PlayerState `json:"activePlayers"`
	EliminatedPlayers []PlayerState `json:"eliminatedPlayers"`
}

type playerJoinedPayload struct {
	Player            PlayerState   `json:"player"`
	ActivePlayers     []PlayerState `json:"activePlayers"`
	EliminatedPlayers []PlayerState `json:"eliminatedPlayers"`
}

type playersUpdatePayload struct {
	ActivePlayers     []PlayerState `json:"activePlayers"`
	EliminatedPlayers []PlayerState `json:"eliminatedPlayers"`
}

type playerLeftPayload struct {
	PlayerID          string        `json:"playerId"`
	ActivePlayers     []PlayerState `json:"activePlayers"`
	EliminatedPlayers []PlayerState `json:"eliminatedPlayers"`
}

type startedPayload struct {
	ItPlayerID        string        `json:"itPlayerId"`
	ActivePlayers     []PlayerState `json:"activePlayers"`
	EliminatedPlayers []PlayerState `json:"eliminatedPlayers"`
}

type piqueChangedPayload struct {
	PlayerID          string        `json:"playerId"`
	ActivePlayers     []PlayerState `json:"activePlayers"`
	EliminatedPlayers []PlayerState `json:"eliminatedPlayers"`
}

type piqueTransferredPayload struct {
	FromPlayerID      string        `json:"fromPlayerId"`
	ToPlayerID        string        `json:"toPlayerId"`
	ActivePlayers     []PlayerState `json:"activePlayers"`
	EliminatedPlayers []PlayerState `json:"eliminatedPlayers"`
}

type finishedPayload struct {
	WinnerID string `json:"winnerId"`
}

// encodeMessage 编码统一信封；载荷固定为可序列化结构，失败视为编程错误
func encodeMessage(msgType string, payload any) []byte {
	env := struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{Type: msgType, Payload: payload}
	b, err := json.Marshal(env)
	if err != nil {
		Log.Errorf("encode %s: %v", msgType, err)
		return nil
	}
	return b
}

func encodeInit(playerID PlayerID, player PlayerState, active, eliminated []PlayerState) []byte {
	return encodeMessage(MsgInit, initPayload{
		PlayerID:          string(playerID),
		Player:            player,
		ActivePlayers:     active,
		EliminatedPlayers: eliminated,
	})
}

func encodePlayerJoined(player PlayerState, active, eliminated []PlayerState) []byte {
	return encodeMessage(MsgPlayerJoined, playerJoinedPayload{
		Player:            player,
		ActivePlayers:     active,
		EliminatedPlayers: eliminated,
	})
}

func encodePlayersUpdate(active, eliminated []PlayerState) []byte {
	return encodeMessage(MsgPlayersUpdate, playersUpdatePayload{
		ActivePlayers:     active,
		EliminatedPlayers: eliminated,
	})
}

func encodePlayerLeft(playerID PlayerID, active, eliminated []PlayerState) []byte {
	return encodeMessage(MsgPlayerLeft, playerLeftPayload{
		PlayerID:          string(playerID),
		ActivePlayers:     active,
		EliminatedPlayers: eliminated,
	})
}

func encodeStarted(itPlayerID PlayerID, active, eliminated []PlayerState) []byte {
	return encodeMessage(MsgStarted, startedPayload{
		ItPlayerID:        string(itPlayerID),
		ActivePlayers:     active,
		EliminatedPlayers: eliminated,
	})
}

func encodePiqueChanged(playerID PlayerID, active, eliminated []PlayerState) []byte {
	return encodeMessage(MsgPiqueChanged, piqueChangedPayload{
		PlayerID:          string(playerID),
		ActivePlayers:     active,
		EliminatedPlayers: eliminated,
	})
}

func encodePiqueTransferred(from, to PlayerID, active, eliminated []PlayerState) []byte {
	return encodeMessage(MsgPiqueTransferred, piqueTransferredPayload{
		FromPlayerID:      string(from),
		ToPlayerID:        string(to),
		ActivePlayers:     active,
		EliminatedPlayers: eliminated,
	})
}

func encodeTwoPlayerModeStarted() []byte {
	return encodeMessage(MsgTwoPlayerModeStarted, struct{}{})
}

func encodeTwoPlayerModeFinished() []byte {
	return encodeMessage(MsgTwoPlayerModeFinished, struct{}{})
}

func encodeFinished(winnerID PlayerID) []byte {
	return encodeMessage(MsgFinished, finishedPayload{WinnerID: string(winnerID)})
}

func encodePong() []byte {
	return encodeMessage(MsgPong, struct{}{})
}
