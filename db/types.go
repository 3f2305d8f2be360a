package db

import (
	"errors"
	"fmt"
	"time"
)

// ValidityItem is one entry of the scoring API's validity verdict.
type ValidityItem struct {
	Type    string `json:"type"`
	Valid   bool   `json:"valid"`
	Details string `json:"details"`
}

type Validator struct {
	Stash              string         `json:"stash"`
	Name               string         `json:"name"`
	Rank               int64          `json:"rank"`
	Controller         string         `json:"controller"`
	SessionKeys        string         `json:"sessionKeys"`
	Commission         string         `json:"commission"`
	Valid              bool           `json:"valid"`
	Validity           []ValidityItem `json:"validity"`
	OnlineSince        int64          `json:"onlineSince"`
	OfflineSince       int64          `json:"offlineSince"`
	OfflineAccumulated int64          `json:"offlineAccumulated"`
	Faults             int64          `json:"faults"`
	Active             bool           `json:"active"`
	Version            string         `json:"version"`
	Location           string         `json:"location"`
	DiscoveredAt       int64          `json:"discoveredAt"`
	NominatedAt        int64          `json:"nominatedAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	ChatIDs            []int64        `json:"chatIds"`
}

// HasChat reports whether chatID subscribes to the validator.
func (v *Validator) HasChat(chatID int64) bool {
	for _, id := range v.ChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// InvalidReasons lists the details of failing validity items.
func (v *Validator) InvalidReasons() []string {
	var reasons []string
	for _, item := range v.Validity {
		if !item.Valid {
			reasons = append(reasons, item.Details)
		}
	}
	return reasons
}

// DisplayName falls back to the stash when the scoring API has no name.
func (v *Validator) DisplayName() string {
	if v.Name != "" {
		return v.Name
	}
	return v.Stash
}

type ChatState string

const (
	StateIdle                       ChatState = "IDLE"
	StateAdd                        ChatState = "ADD"
	StateRemove                     ChatState = "REMOVE"
	StateValidatorInfo              ChatState = "VALIDATOR_INFO"
	StateStakingInfoLoading         ChatState = "STAKING_INFO_LOADING"
	StateStakingInfoSelectValidator ChatState = "STAKING_INFO_SELECT_VALIDATOR"
	StateRewardsEnterAddress        ChatState = "REWARDS_ENTER_ADDRESS"
)

var chatStates = map[ChatState]struct{}{
	StateIdle:                       {},
	StateAdd:                        {},
	StateRemove:                     {},
	StateValidatorInfo:              {},
	StateStakingInfoLoading:         {},
	StateStakingInfoSelectValidator: {},
	StateRewardsEnterAddress:        {},
}

var ErrUnknownState = errors.New("unknown chat state")

func ParseChatState(s string) (ChatState, error) {
	if s == "" {
		return StateIdle, nil
	}
	state := ChatState(s)
	if _, ok := chatStates[state]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
	return state, nil
}

// Block notification periods, in minutes. Half-era and era-end are network
// dependent and computed from the era length.
const (
	BlockPeriodOff       = -1
	BlockPeriodImmediate = 0
	BlockPeriodHourly    = 60
)

const ChatSchemaVersion = 2

type Chat struct {
	ID                int64     `json:"id"`
	State             string    `json:"state"`
	BlockPeriod       int       `json:"blockPeriod"`
	PayoutPeriod      int       `json:"payoutPeriod"`
	NotifyNominations bool      `json:"notifyNominations"`
	NotifyChills      bool      `json:"notifyChills"`
	NotifyOffline     bool      `json:"notifyOffline"`
	SettingsMessageID int       `json:"settingsMessageId"`
	Version           int       `json:"version"`
	CreatedAt         time.Time `json:"createdAt"`
}

// NewChat returns a chat document with the defaults used for unseen chats.
func NewChat(id int64) *Chat {
	return &Chat{
		ID:                id,
		State:             string(StateIdle),
		BlockPeriod:       BlockPeriodHourly,
		PayoutPeriod:      1,
		NotifyNominations: true,
		NotifyChills:      true,
		NotifyOffline:     true,
		Version:           ChatSchemaVersion,
		CreatedAt:         time.Now(),
	}
}

// Pending holds block numbers awaiting a batched announcement.
type Pending struct {
	ChatID int64    `json:"chatId"`
	Stash  string   `json:"stash"`
	Blocks []uint64 `json:"blocks"`
}

type RankEntry struct {
	Stash     string `json:"stash"`
	Rank      int64  `json:"rank"`
	Timestamp int64  `json:"timestamp"`
}

// Reward is a payout observed on chain; Amount is a base-10 integer in plancks.
type Reward struct {
	Stash     string `json:"stash"`
	Block     uint64 `json:"block"`
	Timestamp int64  `json:"timestamp"`
	Amount    string `json:"amount"`
}
