package receipt

import (
	"encoding/json"
	"strings"
	"time"
)

// Document is the pacs.008 FIToFICustomerCreditTransfer body.
type Document struct {
	Document struct {
		FIToFICstmrCdtTrf CreditTransfer `json:"FIToFICstmrCdtTrf"`
	} `json:"Document"`
}

type CreditTransfer struct {
	GrpHdr      GroupHeader `json:"GrpHdr"`
	CdtTrfTxInf TxInfo      `json:"CdtTrfTxInf"`
}

type GroupHeader struct {
	MsgID    string `json:"MsgId"`
	CreDtTm  string `json:"CreDtTm"`
	NbOfTxs  string `json:"NbOfTxs"`
	SttlmInf struct {
		SttlmMtd string `json:"SttlmMtd"`
	} `json:"SttlmInf"`
}

type TxInfo struct {
	PmtID          PaymentID     `json:"PmtId"`
	IntrBkSttlmAmt Amount        `json:"IntrBkSttlmAmt"`
	IntrBkSttlmDt  string        `json:"IntrBkSttlmDt"`
	ChrgBr         string        `json:"ChrgBr"`
	Dbtr           Party         `json:"Dbtr"`
	DbtrAcct       Account       `json:"DbtrAcct"`
	DbtrAgt        Agent         `json:"DbtrAgt"`
	CdtrAgt        Agent         `json:"CdtrAgt"`
	Cdtr           Party         `json:"Cdtr"`
	CdtrAcct       Account       `json:"CdtrAcct"`
	RmtInf         Remittance    `json:"RmtInf"`
	SplmtryData    Supplementary `json:"SplmtryData"`
}

type PaymentID struct {
	InstrID    string `json:"InstrId"`
	EndToEndID string `json:"EndToEndId"`
	TxID       string `json:"TxId"`
}

type Amount struct {
	Ccy   string `json:"Ccy"`
	Value string `json:"Value"`
}

type Party struct {
	Nm string `json:"Nm"`
}

type Account struct {
	ID struct {
		Othr struct {
			ID      string `json:"Id"`
			SchmeNm struct {
				Prtry string `json:"Prtry"`
			} `json:"SchmeNm"`
		} `json:"Othr"`
	} `json:"Id"`
}

type Agent struct {
	FinInstnID struct {
		Nm   string `json:"Nm"`
		Othr struct {
			ID string `json:"Id"`
		} `json:"Othr"`
	} `json:"FinInstnId"`
}

type Remittance struct {
	Ustrd string `json:"Ustrd"`
}

type Supplementary struct {
	PlcAndNm string   `json:"PlcAndNm"`
	Envlp    Envelope `json:"Envlp"`
}

type Envelope struct {
	ProofrailsID      string `json:"ProofrailsId"`
	BlockchainNetwork string `json:"BlockchainNetwork"`
	MessageType       string `json:"MessageType"`
	TransactionHash   string `json:"TransactionHash"`
}

func blockchainAccount(id string) Account {
	var a Account
	a.ID.Othr.ID = id
	a.ID.Othr.SchmeNm.Prtry = AccountScheme
	return a
}

func networkAgent(network string) Agent {
	var a Agent
	a.FinInstnID.Nm = networkName(network) + " Network"
	a.FinInstnID.Othr.ID = strings.ToUpper(network)
	return a
}

func networkName(network string) string {
	if network == "" {
		return ""
	}
	return strings.ToUpper(network[:1]) + strings.ToLower(network[1:])
}

// Build renders r as a pacs.008 document. The end-to-end id is the verifier's
// proof id once known, the receipt id before that.
func Build(r Receipt, createdAt time.Time) Document {
	var doc Document
	ct := &doc.Document.FIToFICstmrCdtTrf

	ct.GrpHdr.MsgID = r.ReceiptID
	ct.GrpHdr.CreDtTm = createdAt.UTC().Format(time.RFC3339)
	ct.GrpHdr.NbOfTxs = "1"
	ct.GrpHdr.SttlmInf.SttlmMtd = r.SettlementMethod

	endToEnd := r.ProofrailsID
	if endToEnd == "" {
		endToEnd = r.ReceiptID
	}
	tx := &ct.CdtTrfTxInf
	tx.PmtID = PaymentID{InstrID: r.ReceiptID, EndToEndID: endToEnd, TxID: r.TransactionHash}
	tx.IntrBkSttlmAmt = Amount{Ccy: r.Currency, Value: r.Amount.String()}
	tx.IntrBkSttlmDt = r.ValueDate.UTC().Format(time.DateOnly)
	tx.ChrgBr = ChargeBearer
	tx.Dbtr = Party{Nm: r.DebtorName}
	tx.DbtrAcct = blockchainAccount(r.DebtorAccount)
	tx.DbtrAgt = networkAgent(r.Network)
	tx.CdtrAgt = networkAgent(r.Network)
	tx.Cdtr = Party{Nm: r.CreditorName}
	tx.CdtrAcct = blockchainAccount(r.CreditorAccount)
	tx.RmtInf = Remittance{Ustrd: RemittanceInfo}
	tx.SplmtryData = Supplementary{
		PlcAndNm: ProofPlace,
		Envlp: Envelope{
			ProofrailsID:      r.ProofrailsID,
			BlockchainNetwork: networkName(r.Network),
			MessageType:       r.MessageType,
			TransactionHash:   r.TransactionHash,
		},
	}
	return doc
}

func (d Document) JSON() (json.RawMessage, error) {
	return json.Marshal(d)
}
