package server

import (
	"time"

	"github.com/alwitt/chatmq/common"
	"github.com/alwitt/chatmq/mirror"
	"github.com/alwitt/chatmq/pdu"
	"github.com/alwitt/chatmq/registry"
	"github.com/apex/log"
)

// completer sends an originator its response once the event of its request is done.
//
// Callers must have won the wait-list: observed it reach zero, emptied it by releasing a
// client, or claimed it. Thus each request completes once.
type completer struct {
	common.Component
	registry registry.ClientRegistry
	counters *Counters
	mirror   mirror.EventMirror
}

// pendingEventType the event type of the request an originator is waiting on
var pendingEventType = map[pdu.ConversationStatus]pdu.PduType{
	pdu.StatusRegistering:   pdu.LoginEvent,
	pdu.StatusRegistered:    pdu.ChatMessageEvent,
	pdu.StatusUnregistering: pdu.LogoutEvent,
}

/*
completeReleased complete the requests whose wait-list was emptied by removing a client
whose confirms will never arrive

	@param originators []string - originators whose wait-list was emptied
*/
func (c *completer) completeReleased(originators []string) {
	for _, originator := range originators {
		record, ok := c.registry.GetClient(originator)
		if !ok {
			continue
		}
		eventType, ok := pendingEventType[record.Status]
		if !ok {
			continue
		}
		c.complete(
			eventType, originator, record.Pending.TransactionID, record.Pending.SequenceNumber,
		)
	}
}

/*
complete send the originator its response once the event of the request is done

	@param eventType pdu.PduType - the event type the request produced
	@param originator string - the event originator
	@param txID string - the request transaction ID
	@param seq int64 - the chat message sequence number
*/
func (c *completer) complete(eventType pdu.PduType, originator, txID string, seq int64) {
	switch eventType {
	case pdu.LoginEvent:
		c.completeLogin(originator, txID)
	case pdu.ChatMessageEvent:
		c.completeChatMessage(originator, txID, seq)
	case pdu.LogoutEvent:
		c.completeLogout(originator, txID)
	}
}

// sendResponse send a response to the originator's own connection
func (c *completer) sendResponse(record registry.ClientRecord, response *pdu.ChatPDU) {
	if record.Conn == nil {
		return
	}
	tracePDU(c.LogTags, directionOut, response)
	if err := record.Conn.Send(response); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Failed to send %s to %s", response.PduType, record.UserName,
		)
	}
}

func (c *completer) completeLogin(originator, txID string) {
	if err := c.registry.ChangeStatus(originator, pdu.StatusRegistered); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to complete login of %s", originator)
		return
	}
	record, ok := c.registry.GetClient(originator)
	if !ok {
		return
	}
	serverTime := time.Since(record.RequestStartTime)
	c.sendResponse(record, &pdu.ChatPDU{
		PduType:          pdu.LoginResponse,
		UserName:         originator,
		EventUserName:    originator,
		ClientThreadName: record.ClientThreadName,
		ServerThreadName: record.WorkerName,
		TransactionID:    txID,
		ClientStatus:     pdu.StatusRegistered,
		ServerTime:       serverTime.Nanoseconds(),
	})
	c.counters.logins.Add(1)
	log.WithFields(c.LogTags).Infof("Login of %s complete", originator)
	c.mirrorRecord(mirror.Record{
		Type:          mirror.LoginRecord,
		UserName:      originator,
		TransactionID: txID,
		ServerTime:    serverTime,
	})
}

func (c *completer) completeChatMessage(originator, txID string, seq int64) {
	record, ok := c.registry.GetClient(originator)
	if !ok {
		return
	}
	serverTime := time.Since(record.RequestStartTime)
	c.sendResponse(record, &pdu.ChatPDU{
		PduType:              pdu.ChatMessageResponse,
		UserName:             originator,
		EventUserName:        originator,
		ClientThreadName:     record.ClientThreadName,
		ServerThreadName:     record.WorkerName,
		TransactionID:        txID,
		SequenceNumber:       seq,
		ClientStatus:         record.Status,
		ServerTime:           serverTime.Nanoseconds(),
		SentEvents:           record.SentEvents,
		ReceivedConfirms:     record.ReceivedConfirms,
		ReceivedChatMessages: record.ReceivedChatMessages,
	})
	c.mirrorRecord(mirror.Record{
		Type:           mirror.ChatMessageRecord,
		UserName:       originator,
		TransactionID:  txID,
		SequenceNumber: seq,
		Message:        record.Pending.Message,
		ServerTime:     serverTime,
	})
}

func (c *completer) completeLogout(originator, txID string) {
	record, ok := c.registry.GetClient(originator)
	if !ok {
		return
	}
	serverTime := time.Since(record.RequestStartTime)
	c.sendResponse(record, &pdu.ChatPDU{
		PduType:              pdu.LogoutResponse,
		UserName:             originator,
		EventUserName:        originator,
		ClientThreadName:     record.ClientThreadName,
		ServerThreadName:     record.WorkerName,
		TransactionID:        txID,
		ClientStatus:         pdu.StatusUnregistered,
		ServerTime:           serverTime.Nanoseconds(),
		SentEvents:           record.SentEvents,
		ReceivedConfirms:     record.ReceivedConfirms,
		ReceivedChatMessages: record.ReceivedChatMessages,
	})
	if err := c.registry.FinishClient(originator); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to finish %s", originator)
	}
	c.counters.logouts.Add(1)
	log.WithFields(c.LogTags).Infof("Logout of %s complete", originator)
	c.mirrorRecord(mirror.Record{
		Type:          mirror.LogoutRecord,
		UserName:      originator,
		TransactionID: txID,
		ServerTime:    serverTime,
	})
}

func (c *completer) mirrorRecord(record mirror.Record) {
	record.CompletedAt = time.Now()
	if err := c.mirror.Mirror(record); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Record not mirrored")
	}
}

