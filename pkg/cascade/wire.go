package cascade

import "wrtd/pkg/model"

// CommandRegister is the first command a child sends on its uplink.
const CommandRegister = "register"

// RegisterRequest is the data of a register command.
type RegisterRequest struct {
	MyID       string           `json:"myId"`
	RouterList model.RouterList `json:"routerList"`
}

// RegisterReply is the parent's answer: its id, the subhost range granted to
// the child and the parent's view at registration time.
type RegisterReply struct {
	MyID         string           `json:"myId"`
	SubhostStart string           `json:"subhostStart"`
	SubhostEnd   string           `json:"subhostEnd"`
	RouterList   model.RouterList `json:"routerList"`
}

type wanUpdate struct {
	WanPrefixList []model.Prefix `json:"wanPrefixList"`
}

type lanUpdate struct {
	LanPrefixList []model.Prefix `json:"lanPrefixList"`
}
