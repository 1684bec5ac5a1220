// Package rabbitmq はRabbitMQ（AMQP 0-9-1）によるbus.Busの実装を提供する。
//
// exchangeはすべてdurableなfanoutとして宣言し、バインド先のないメッセージは
// alternate-exchange経由でunroutableキューへ退避する。各queueは
// x-dead-letter-exchangeに "<queue>-error" を持ち、再配信上限に達したメッセージや
// bus.DeadLetterで包まれたエラーを返したメッセージはそこへ送られる。
//
// RabbitMQのrequeueは配信回数を数えないため、再配信は x-delivery-count ヘッダーを
// 付けてqueueへ直接再発行し、元のメッセージをackすることで実現する。
package rabbitmq
