package messages

import "fmt"

// OpCode is the 32-bit discriminator carried as the first field of every
// inbound message body.
type OpCode uint32

// Operation codes of the deployed wire protocol. Token-standard codes keep
// their well-known values; pool-internal codes are small integers.
const (
	OpTransfer             OpCode = 260734629
	OpTransferNotification OpCode = 1935855772
	OpInternalTransfer     OpCode = 395134233
	OpMint                 OpCode = 21
	OpChangeAdmin          OpCode = 3
	OpDeposit              OpCode = 20
	OpBurn                 OpCode = 1499400124
	OpBurnNotification     OpCode = 2078119902
	OpRequestWithdraw      OpCode = 555
	OpWithdrawInternal     OpCode = 556
	OpWithdrawNotification OpCode = 557
	OpSuccessfulWithdraw   OpCode = 558
	OpLegAck               OpCode = 560
	OpReclaim              OpCode = 561
	OpUpdateRootPrice      OpCode = 344
	OpUpgradeContract      OpCode = 999
)

var opNames = map[OpCode]string{
	OpTransfer:             "transfer",
	OpTransferNotification: "transfer_notification",
	OpInternalTransfer:     "internal_transfer",
	OpMint:                 "mint",
	OpChangeAdmin:          "change_admin",
	OpDeposit:              "deposit",
	OpBurn:                 "burn",
	OpBurnNotification:     "burn_notification",
	OpRequestWithdraw:      "request_withdraw",
	OpWithdrawInternal:     "withdraw_internal",
	OpWithdrawNotification: "withdraw_notification",
	OpSuccessfulWithdraw:   "successful_withdraw",
	OpLegAck:               "leg_ack",
	OpReclaim:              "reclaim",
	OpUpdateRootPrice:      "update_root_price",
	OpUpgradeContract:      "upgrade_contract",
}

// Known reports whether the code belongs to the operation table. Handlers
// must still reject known codes they do not serve; this only distinguishes
// table membership for diagnostics.
func (op OpCode) Known() bool {
	_, ok := opNames[op]
	return ok
}

func (op OpCode) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint32(op))
}
